package client

import (
	"context"
	"crypto/x509"
)

// Client talks to a remote CA service. GetCACert fetches the PEM encoded
// certificate of the CA itself; SignRequest submits a PEM encoded CSR for
// automatic signing under the given issuance profile.
type Client interface {
	GetCACert(ctx context.Context) ([]byte, error)
	SignRequest(ctx context.Context, csr []byte, profile string) (*x509.Certificate, error)
}
