package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// health reports liveness and the readiness of the signing key.
func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "healthy"}
	if s.connMgr != nil {
		resp["activeConnections"] = s.connMgr.ActiveConnections()
	}
	if s.signer != nil {
		resp["signerReady"] = s.signer.IsInitialized()
		if !s.signer.IsInitialized() {
			resp["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// publicKey serves the PEM-encoded verification key so clients can
// verify bundle signatures offline.
func (s *Server) publicKey(c *gin.Context) {
	if s.signer == nil || !s.signer.IsInitialized() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing key not initialized"})
		return
	}
	pem, err := s.signer.ExportPublicKeyPEM()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export public key"})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", pem)
}
