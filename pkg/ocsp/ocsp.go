package ocsp

import (
	"bytes"
	"context"
	"crypto/x509"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ocsp"
)

type Status int

const (
	Good Status = iota
	Revoked
	Unknown
)

var (
	ErrNoOCSPServer       = errors.New("no OCSP server is attached to the certificate")
	ErrComposeRequest     = errors.New("failed to compose OCSP request")
	ErrSubmitRequest      = errors.New("failed to submit OCSP request")
	ErrUnexpectedResponse = errors.New("unexpected response from OCSP responder")
)

const requestTimeout = 30 * time.Second

// CheckRevocation asks the first OCSP responder listed in the subject
// certificate for its revocation status, with issuer as the signing CA.
func CheckRevocation(ctx context.Context, subject *x509.Certificate, issuer *x509.Certificate) (Status, error) {
	if len(subject.OCSPServer) == 0 {
		return Unknown, ErrNoOCSPServer
	}
	ocspHost := subject.OCSPServer[0]

	ocspReq, err := ocsp.CreateRequest(subject, issuer, &ocsp.RequestOptions{})
	if err != nil {
		return Unknown, ErrComposeRequest
	}

	req, err := http.NewRequest("POST", ocspHost, bytes.NewBuffer(ocspReq))
	if err != nil {
		return Unknown, ErrComposeRequest
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req = req.WithContext(ctx)

	ocspClient := http.Client{
		Timeout: requestTimeout,
	}
	res, err := ocspClient.Do(req)
	if err != nil {
		return Unknown, ErrSubmitRequest
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Unknown, ErrUnexpectedResponse
	}
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return Unknown, ErrUnexpectedResponse
	}
	ocspRes, err := ocsp.ParseResponseForCert(body, subject, issuer)
	if err != nil {
		return Unknown, ErrUnexpectedResponse
	}

	switch ocspRes.Status {
	case ocsp.Good:
		return Good, nil
	case ocsp.Revoked:
		return Revoked, nil
	}
	return Unknown, nil
}
