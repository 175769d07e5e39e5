package mocks

import (
	"context"
	"crypto/x509"
)

type MockClient struct {
	GetCACertFn      func(ctx context.Context) ([]byte, error)
	GetCACertInvoked bool

	SignRequestFn      func(ctx context.Context, csr []byte, profile string) (*x509.Certificate, error)
	SignRequestInvoked bool
}

func (mc *MockClient) GetCACert(ctx context.Context) ([]byte, error) {
	mc.GetCACertInvoked = true
	return mc.GetCACertFn(ctx)
}

func (mc *MockClient) SignRequest(ctx context.Context, csr []byte, profile string) (*x509.Certificate, error) {
	mc.SignRequestInvoked = true
	return mc.SignRequestFn(ctx, csr, profile)
}
