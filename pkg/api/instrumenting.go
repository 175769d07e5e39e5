package api

import (
	"context"
	"crypto"
	"crypto/x509"
	"time"

	"github.com/go-kit/kit/metrics"
)

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			next:           next,
		}
	}
}

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "Health").Add(1)
		mw.requestLatency.With("method", "Health").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) FetchCACert(ctx context.Context) ([]byte, error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "FetchCACert").Add(1)
		mw.requestLatency.With("method", "FetchCACert").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.FetchCACert(ctx)
}

func (mw *instrumentingMiddleware) GenerateKeyPair(ctx context.Context, keyAlg string, keySize int) (crypto.PrivateKey, error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "GenerateKeyPair").Add(1)
		mw.requestLatency.With("method", "GenerateKeyPair").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.GenerateKeyPair(ctx, keyAlg, keySize)
}

func (mw *instrumentingMiddleware) BuildSigningRequest(ctx context.Context, key crypto.PrivateKey, commonName string) ([]byte, error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "BuildSigningRequest").Add(1)
		mw.requestLatency.With("method", "BuildSigningRequest").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.BuildSigningRequest(ctx, key, commonName)
}

func (mw *instrumentingMiddleware) SubmitRequest(ctx context.Context, csr []byte) (*x509.Certificate, error) {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "SubmitRequest").Add(1)
		mw.requestLatency.With("method", "SubmitRequest").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.SubmitRequest(ctx, csr)
}

func (mw *instrumentingMiddleware) VerifyCertificate(ctx context.Context, cert *x509.Certificate, caCert []byte) error {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "VerifyCertificate").Add(1)
		mw.requestLatency.With("method", "VerifyCertificate").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.VerifyCertificate(ctx, cert, caCert)
}

func (mw *instrumentingMiddleware) Persist(ctx context.Context, key crypto.PrivateKey, cert *x509.Certificate, caCert []byte) error {
	defer func(begin time.Time) {
		mw.requestCount.With("method", "Persist").Add(1)
		mw.requestLatency.With("method", "Persist").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mw.next.Persist(ctx, key, cert, caCert)
}
