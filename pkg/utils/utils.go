package utils

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io/ioutil"
)

const (
	CertPEMBlockType  = "CERTIFICATE"
	CSRPEMBlockType   = "CERTIFICATE REQUEST"
	KeyPEMBlockType   = "RSA PRIVATE KEY"
	ECKeyPEMBlockType = "EC PRIVATE KEY"
)

func PEMKey(derBytes []byte) []byte {
	pemBlock := &pem.Block{
		Type:    KeyPEMBlockType,
		Headers: nil,
		Bytes:   derBytes,
	}
	out := pem.EncodeToMemory(pemBlock)
	return out
}

func PEMECKey(derBytes []byte) []byte {
	pemBlock := &pem.Block{
		Type:    ECKeyPEMBlockType,
		Headers: nil,
		Bytes:   derBytes,
	}
	out := pem.EncodeToMemory(pemBlock)
	return out
}

func PEMCert(derBytes []byte) []byte {
	pemBlock := &pem.Block{
		Type:    CertPEMBlockType,
		Headers: nil,
		Bytes:   derBytes,
	}
	out := pem.EncodeToMemory(pemBlock)
	return out
}

func PEMCSR(derBytes []byte) []byte {
	pemBlock := &pem.Block{
		Type:    CSRPEMBlockType,
		Headers: nil,
		Bytes:   derBytes,
	}
	out := pem.EncodeToMemory(pemBlock)
	return out
}

func CheckPEMBlock(pemBlock *pem.Block, blockType string) error {
	if pemBlock == nil {
		return errors.New("cannot find the next PEM formatted block")
	}
	if pemBlock.Type != blockType || len(pemBlock.Headers) != 0 {
		return errors.New("unmatched type of headers")
	}
	return nil
}

func CreateCAPool(caPath string) (*x509.CertPool, error) {
	caCert, err := ioutil.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("unable to append CA certificate to pool")
	}
	return caCertPool, nil
}
