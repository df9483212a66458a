package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/praxis/agent-registry-go/internal/did"
	"github.com/praxis/agent-registry-go/internal/did/iden3"
	"github.com/praxis/agent-registry-go/internal/indexer"
	"github.com/praxis/agent-registry-go/internal/registration"
)

type createDIDRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	Network string `json:"network"`
}

type didView struct {
	DID               string `json:"did"`
	Method            string `json:"method"`
	Chain             string `json:"chain"`
	Network           string `json:"network"`
	TypeTag           string `json:"typeTag"`
	Identifier        string `json:"identifier"`
	Address           string `json:"address,omitempty"`
	AddressControlled bool   `json:"addressControlled"`
}

type typedDataRequest struct {
	Request *registration.Request `json:"request"`
}

type createRegistrationRequest struct {
	Description     string `json:"description"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

func (s *APIServer) getHealth(c *gin.Context) {
	domain := s.deps.Verifier.Domain()
	resp := gin.H{
		"status":            "ok",
		"domain":            domain.Name,
		"verifyingContract": domain.VerifyingContract.Hex(),
		"signing":           s.deps.Signer != nil,
	}
	if domain.ChainID != nil {
		resp["chainId"] = domain.ChainID.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) createDID(c *gin.Context) {
	var req createDIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address required"})
		return
	}

	codec := s.deps.Codec
	if req.Chain != "" {
		codec.Chain = req.Chain
	}
	if req.Network != "" {
		codec.Network = req.Network
	}

	didID, err := codec.EncodeHex(req.Address)
	s.deps.Metrics.ObserveDID("encode", err)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": didID})
}

func (s *APIServer) getDID(c *gin.Context) {
	didID := c.Param("did")
	decoded, err := iden3.Decode(didID)
	s.deps.Metrics.ObserveDID("decode", err)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view := didView{
		DID:               didID,
		Method:            decoded.Method,
		Chain:             decoded.Chain,
		Network:           decoded.Network,
		TypeTag:           decoded.Identifier.TypeTag().String(),
		Identifier:        decoded.Identifier.Hex(),
		AddressControlled: decoded.AddressControlled,
	}
	if decoded.AddressControlled {
		view.Address = decoded.Address.Hex()
	}
	c.JSON(http.StatusOK, view)
}

// getDIDDocument serves the resolved document, or a single verification
// method when ?vm=<id or #fragment> is given.
func (s *APIServer) getDIDDocument(c *gin.Context) {
	didID := c.Param("did")
	doc, err := s.deps.Resolver.Resolve(c.Request.Context(), didID)
	switch {
	case err == nil:
		vm := c.Query("vm")
		if vm == "" {
			c.JSON(http.StatusOK, doc)
			return
		}
		if strings.HasPrefix(vm, "#") {
			vm = didID + vm
		}
		method, err := did.FindVerificationMethod(doc, vm)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, method)
	case errors.Is(err, did.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func (s *APIServer) typedData(c *gin.Context) {
	var body typedDataRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Request == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request required"})
		return
	}

	domain := s.deps.Verifier.Domain()
	digest, err := body.Request.Digest(domain)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"typedData": body.Request.TypedData(domain),
		"digest":    digest.Hex(),
	})
}

func (s *APIServer) createRegistration(c *gin.Context) {
	if s.deps.Signer == nil || s.deps.Builder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server has no agent key"})
		return
	}

	var body createRegistrationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if body.Description == "" {
		body.Description = s.deps.Agent.Description
	}
	if body.ServiceEndpoint == "" {
		body.ServiceEndpoint = s.deps.Agent.ServiceEndpoint
	}

	domain := s.deps.Verifier.Domain()
	didID := s.deps.Codec.Encode(s.deps.Signer.Address())
	req, sig, err := s.deps.Builder.BuildAndSign(c.Request.Context(), s.deps.Signer, domain, didID, body.Description, body.ServiceEndpoint)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registration.ErrNonceSourceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	env, err := registration.NewEnvelope(domain, req, sig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.WithFields(logrus.Fields{
		"envelope": env.ID.String(),
		"agent":    req.Agent.Hex(),
		"nonce":    req.Nonce.String(),
	}).Info("Signed registration request")
	c.JSON(http.StatusOK, env)
}

func (s *APIServer) verifyRegistration(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := registration.ParseEnvelope(raw)
	if err != nil {
		c.JSON(verifyStatus(err, http.StatusBadRequest), gin.H{"error": err.Error(), "result": registration.Result(err)})
		return
	}

	fields := logrus.Fields{"envelope": env.ID.String()}
	if fp, err := env.Fingerprint(); err == nil {
		fields["fingerprint"] = fp.Hex()
	}
	if err := s.deps.Verifier.VerifyAndConsume(c.Request.Context(), env); err != nil {
		s.logger.WithFields(fields).WithError(err).Info("Rejected registration envelope")
		c.JSON(verifyStatus(err, http.StatusInternalServerError), gin.H{"error": err.Error(), "result": registration.Result(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":   registration.Result(nil),
		"envelope": env.ID.String(),
		"agent":    env.Request.Agent.Hex(),
		"did":      env.Request.DID,
		"nonce":    env.Request.Nonce.String(),
	})
}

func (s *APIServer) listRegistrations(c *gin.Context) {
	addr, err := iden3.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := s.deps.Registrations.ByAgent(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []indexer.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"agent":         addr.Hex(),
		"did":           s.deps.Codec.Encode(addr),
		"registrations": recs,
	})
}

func verifyStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, registration.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, registration.ErrRequestExpired):
		return http.StatusGone
	case errors.Is(err, registration.ErrNonceReplay):
		return http.StatusConflict
	default:
		return fallback
	}
}
