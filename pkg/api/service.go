package api

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tunfish/pki-client/pkg/client"
	"github.com/tunfish/pki-client/pkg/ocsp"
	"github.com/tunfish/pki-client/pkg/utils"
)

// Service is the certificate request pipeline. Operations are intended to
// be called sequentially: FetchCACert, GenerateKeyPair, BuildSigningRequest,
// SubmitRequest, VerifyCertificate, Persist. Nothing touches disk before
// Persist.
type Service interface {
	Health(ctx context.Context) bool
	FetchCACert(ctx context.Context) ([]byte, error)
	GenerateKeyPair(ctx context.Context, keyAlg string, keySize int) (crypto.PrivateKey, error)
	BuildSigningRequest(ctx context.Context, key crypto.PrivateKey, commonName string) ([]byte, error)
	SubmitRequest(ctx context.Context, csr []byte) (*x509.Certificate, error)
	VerifyCertificate(ctx context.Context, cert *x509.Certificate, caCert []byte) error
	Persist(ctx context.Context, key crypto.PrivateKey, cert *x509.Certificate, caCert []byte) error
}

// Paths holds the output locations for the issued PKI material.
type Paths struct {
	Key           string
	Certificate   string
	CACertificate string
}

type requestService struct {
	client    client.Client
	profile   string
	ocspCheck bool
	paths     Paths
}

func NewRequestService(client client.Client, profile string, ocspCheck bool, paths Paths) Service {
	return &requestService{client: client, profile: profile, ocspCheck: ocspCheck, paths: paths}
}

var (
	//Client errors
	errUnsupportedKey     = errors.New("unsupported key algorithm")
	errUnsupportedECSize  = errors.New("unsupported EC key size")
	errUnsupportedRSASize = errors.New("unsupported RSA key size")
	errUnsupportedProfile = errors.New("unsupported certificate profile")
	errCNEmpty            = errors.New("invalid content, CN is required")
	errKeyGeneration      = errors.New("unable to generate key pair")
	errCSRCreate          = errors.New("unable to create CSR")

	//Server errors
	errInvalidCACert = errors.New("invalid CA certificate")
	errCertIssuer    = errors.New("certificate was not issued by the requested CA")
	errCertRevoked   = errors.New("certificate reported revoked or unknown by OCSP responder")

	//Persistence errors
	errPersist = errors.New("unable to write PKI material to disk")
)

func (s *requestService) Health(ctx context.Context) bool {
	return true
}

func (s *requestService) FetchCACert(ctx context.Context) ([]byte, error) {
	caCert, err := s.client.GetCACert(ctx)
	if err != nil {
		return nil, err
	}
	pemBlock, _ := pem.Decode(caCert)
	if err := utils.CheckPEMBlock(pemBlock, utils.CertPEMBlockType); err != nil {
		return nil, errInvalidCACert
	}
	return caCert, nil
}

func (s *requestService) GenerateKeyPair(ctx context.Context, keyAlg string, keySize int) (crypto.PrivateKey, error) {
	err := checkKeyAlg(keyAlg)
	if err != nil {
		return nil, err
	}

	err = checkKeySize(keyAlg, keySize)
	if err != nil {
		return nil, err
	}

	key, err := makeKey(keyAlg, keySize)
	if err != nil {
		return nil, errKeyGeneration
	}
	return key, nil
}

func (s *requestService) BuildSigningRequest(ctx context.Context, key crypto.PrivateKey, commonName string) ([]byte, error) {
	if commonName == "" {
		return nil, errCNEmpty
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: commonName,
		},
		SignatureAlgorithm: signatureAlgorithm(key),
	}

	derBytes, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, errCSRCreate
	}
	return utils.PEMCSR(derBytes), nil
}

func (s *requestService) SubmitRequest(ctx context.Context, csr []byte) (*x509.Certificate, error) {
	if err := checkProfile(s.profile); err != nil {
		return nil, err
	}
	return s.client.SignRequest(ctx, csr, s.profile)
}

func (s *requestService) VerifyCertificate(ctx context.Context, cert *x509.Certificate, caCert []byte) error {
	pemBlock, _ := pem.Decode(caCert)
	if err := utils.CheckPEMBlock(pemBlock, utils.CertPEMBlockType); err != nil {
		return errInvalidCACert
	}
	issuer, err := x509.ParseCertificate(pemBlock.Bytes)
	if err != nil {
		return errInvalidCACert
	}
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return errCertIssuer
	}

	if !s.ocspCheck || len(cert.OCSPServer) == 0 {
		return nil
	}
	status, err := ocsp.CheckRevocation(ctx, cert, issuer)
	if err != nil {
		return err
	}
	if status != ocsp.Good {
		return errCertRevoked
	}
	return nil
}

// Persist writes the private key, certificate and CA certificate to their
// configured paths. All content is staged to temporary files first and only
// renamed into place once every write has succeeded, so a failure leaves no
// partial output behind.
func (s *requestService) Persist(ctx context.Context, key crypto.PrivateKey, cert *x509.Certificate, caCert []byte) error {
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return errPersist
	}

	files := []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{s.paths.Key, keyPEM, 0600},
		{s.paths.Certificate, utils.PEMCert(cert.Raw), 0644},
		{s.paths.CACertificate, caCert, 0644},
	}

	staged := make([]string, 0, len(files))
	discard := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}

	for _, f := range files {
		tmp, err := stageFile(f.path, f.data, f.mode)
		if err != nil {
			discard()
			return errPersist
		}
		staged = append(staged, tmp)
	}

	for i, f := range files {
		if err := os.Rename(staged[i], f.path); err != nil {
			for _, renamed := range files[:i] {
				os.Remove(renamed.path)
			}
			discard()
			return errPersist
		}
		staged[i] = f.path
	}
	return nil
}

func stageFile(path string, data []byte, mode os.FileMode) (string, error) {
	tmp, err := ioutil.TempFile(filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func encodeKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return utils.PEMKey(x509.MarshalPKCS1PrivateKey(k)), nil
	case *ecdsa.PrivateKey:
		derBytes, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, err
		}
		return utils.PEMECKey(derBytes), nil
	}
	return nil, errUnsupportedKey
}

func signatureAlgorithm(key crypto.PrivateKey) x509.SignatureAlgorithm {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return x509.SHA512WithRSA
	case *ecdsa.PrivateKey:
		if k.Curve == elliptic.P384() {
			return x509.ECDSAWithSHA384
		}
		return x509.ECDSAWithSHA256
	}
	return x509.UnknownSignatureAlgorithm
}

func checkKeyAlg(keyAlg string) error {
	if keyAlg != "EC" && keyAlg != "RSA" {
		return errUnsupportedKey
	}
	return nil
}

func checkKeySize(keyAlg string, keySize int) error {
	if keyAlg == "EC" && keySize != 384 && keySize != 256 {
		return errUnsupportedECSize
	}

	if keyAlg == "RSA" && keySize != 2048 && keySize != 4096 {
		return errUnsupportedRSASize
	}
	return nil
}

func checkProfile(profile string) error {
	switch profile {
	case "server", "webserver", "client", "enduser", "ocsp":
		return nil
	}
	return errUnsupportedProfile
}

func makeKey(keyAlg string, keySize int) (crypto.PrivateKey, error) {
	var key crypto.PrivateKey
	var err error
	switch keyAlg {
	case "RSA":
		key, err = newRSAKey(keySize)
	case "EC":
		key, err = newECDSAKey(keySize)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// create a new RSA private key
func newRSAKey(bits int) (crypto.PrivateKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return private, nil
}

func newECDSAKey(bits int) (crypto.PrivateKey, error) {
	var private *ecdsa.PrivateKey
	var err error
	switch bits {
	case 256:
		private, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case 384:
		private, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)

	}
	if err != nil {
		return nil, err
	}
	return private, nil
}
