package courierlink

import (
	"crypto/tls"
	"net/http"
)

// https://github.com/ssllabs/research/wiki/ssl-and-tls-deployment-best-practices
var defaultTLSConfig = tls.Config{
	MinVersion: tls.VersionTLS12,
	CurvePreferences: []tls.CurveID{
		tls.X25519,
		tls.CurveP384,
		tls.CurveP256,
	},
	CipherSuites: []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	},
}

// tlsServer serves TLS from ListenAndServe so it can run as a plain HTTP service.
type tlsServer struct {
	*http.Server
	crt string
	key string
}

func (s *tlsServer) ListenAndServe() error {
	return s.Server.ListenAndServeTLS(s.crt, s.key)
}
