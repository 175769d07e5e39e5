package api

import (
	"context"
	"crypto"
	"crypto/x509"
	"time"

	"github.com/go-kit/kit/log"
)

type Middleware func(Service) Service

func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger log.Logger
}

func (mw loggingMiddleware) Health(ctx context.Context) bool {
	return mw.next.Health(ctx)
}

func (mw loggingMiddleware) FetchCACert(ctx context.Context) (caCert []byte, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "FetchCACert",
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.FetchCACert(ctx)
}

func (mw loggingMiddleware) GenerateKeyPair(ctx context.Context, keyAlg string, keySize int) (key crypto.PrivateKey, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GenerateKeyPair",
			"key_alg", keyAlg,
			"key_size", keySize,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.GenerateKeyPair(ctx, keyAlg, keySize)
}

func (mw loggingMiddleware) BuildSigningRequest(ctx context.Context, key crypto.PrivateKey, commonName string) (csr []byte, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "BuildSigningRequest",
			"cn", commonName,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.BuildSigningRequest(ctx, key, commonName)
}

func (mw loggingMiddleware) SubmitRequest(ctx context.Context, csr []byte) (cert *x509.Certificate, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "SubmitRequest",
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.SubmitRequest(ctx, csr)
}

func (mw loggingMiddleware) VerifyCertificate(ctx context.Context, cert *x509.Certificate, caCert []byte) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "VerifyCertificate",
			"cn", cert.Subject.CommonName,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.VerifyCertificate(ctx, cert, caCert)
}

func (mw loggingMiddleware) Persist(ctx context.Context, key crypto.PrivateKey, cert *x509.Certificate, caCert []byte) (err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Persist",
			"cn", cert.Subject.CommonName,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.Persist(ctx, key, cert, caCert)
}
