package autosign

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/tunfish/pki-client/pkg/utils"
)

type testCA struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	pem  []byte

	// when non-zero both endpoints answer with this status instead
	failStatus int
}

func TestGetCACert(t *testing.T) {
	ca := newTestCA(t)
	server := httptest.NewServer(ca.handler(t))
	defer server.Close()

	client := newClient(t, server.URL)
	ctx := context.Background()

	caCert, err := client.GetCACert(ctx)
	if err != nil {
		t.Fatalf("Error getting CA certificate: %s", err)
	}
	pemBlock, _ := pem.Decode(caCert)
	if err := utils.CheckPEMBlock(pemBlock, utils.CertPEMBlockType); err != nil {
		t.Fatalf("CA certificate is not PEM encoded: %s", err)
	}
	cert, err := x509.ParseCertificate(pemBlock.Bytes)
	if err != nil {
		t.Fatalf("Error parsing CA certificate: %s", err)
	}
	if cert.Subject.CommonName != ca.cert.Subject.CommonName {
		t.Errorf("CA common name is %s; want %s", cert.Subject.CommonName, ca.cert.Subject.CommonName)
	}
}

func TestGetCACertServerFailure(t *testing.T) {
	ca := newTestCA(t)
	ca.failStatus = http.StatusInternalServerError
	server := httptest.NewServer(ca.handler(t))
	defer server.Close()

	client := newClient(t, server.URL)

	_, err := client.GetCACert(context.Background())
	if ErrGetRemoteCA != err {
		t.Errorf("Got result is %s; want %s", err, ErrGetRemoteCA)
	}
}

func TestGetCACertUnreachableServer(t *testing.T) {
	ca := newTestCA(t)
	server := httptest.NewServer(ca.handler(t))
	serverURL := server.URL
	server.Close()

	client := newClient(t, serverURL)

	_, err := client.GetCACert(context.Background())
	if ErrRemoteConnection != err {
		t.Errorf("Got result is %s; want %s", err, ErrRemoteConnection)
	}
}

func TestSignRequest(t *testing.T) {
	ca := newTestCA(t)
	server := httptest.NewServer(ca.handler(t))
	defer server.Close()

	client := newClient(t, server.URL)

	crt, err := client.SignRequest(context.Background(), testCSR(t, "gateway-test"), "server")
	if err != nil {
		t.Fatalf("Error obtaining certificate: %s", err)
	}
	if crt.Subject.CommonName != "gateway-test" {
		t.Error("Certificate common name does not match with request common name")
	}
	if crt.Issuer.CommonName != ca.cert.Subject.CommonName {
		t.Errorf("Certificate has not been issued by correct CA, issuer is: %s", crt.Issuer.CommonName)
	}
}

func TestSignRequestFailures(t *testing.T) {
	testCases := []struct {
		name       string
		failStatus int
		csr        []byte
		ret        error
	}{
		{"Server returns an error status", http.StatusInternalServerError, nil, ErrPKIOperation},
		{"Request body is not a CSR", 0, []byte("this is not a CSR"), ErrPKIOperation},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			ca := newTestCA(t)
			ca.failStatus = tc.failStatus
			server := httptest.NewServer(ca.handler(t))
			defer server.Close()

			client := newClient(t, server.URL)

			csr := tc.csr
			if csr == nil {
				csr = testCSR(t, "gateway-test")
			}
			_, err := client.SignRequest(context.Background(), csr, "server")
			if tc.ret != err {
				t.Errorf("Got result is %s; want %s", err, tc.ret)
			}
		})
	}
}

func newClient(t *testing.T, caURL string) *Autosign {
	t.Helper()

	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	client, err := NewClient(Options{
		CAURL:   caURL,
		CAName:  "RootCA",
		Timeout: 5 * time.Second,
	}, logger, stdopentracing.NoopTracer{})
	if err != nil {
		t.Fatalf("Unable to start CA client: %s", err)
	}
	return client.(*Autosign)
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal("Failed to generate CA key")
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Test Root CA",
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		t.Fatal("Failed to create CA certificate")
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		t.Fatal("Failed to parse CA certificate")
	}

	return &testCA{key: key, cert: cert, pem: utils.PEMCert(derBytes)}
}

func (ca *testCA) handler(t *testing.T) http.Handler {
	r := mux.NewRouter()

	r.Methods("GET").Path("/issuer/{caName}.pem").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ca.failStatus != 0 {
			http.Error(w, "CA failure", ca.failStatus)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Write(ca.pem)
	})

	r.Methods("POST").Path("/pki/{caName}/autosign").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ca.failStatus != 0 {
			http.Error(w, "CA failure", ca.failStatus)
			return
		}
		if req.URL.Query().Get("profile") == "" {
			http.Error(w, "missing profile", http.StatusBadRequest)
			return
		}
		if req.Header.Get("Content-Type") != "application/x-pem-file" {
			http.Error(w, "unexpected content type", http.StatusBadRequest)
			return
		}

		body, err := ioutil.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		pemBlock, _ := pem.Decode(body)
		if err := utils.CheckPEMBlock(pemBlock, utils.CSRPEMBlockType); err != nil {
			http.Error(w, "not a CSR", http.StatusBadRequest)
			return
		}
		csr, err := x509.ParseCertificateRequest(pemBlock.Bytes)
		if err != nil {
			http.Error(w, "unparseable CSR", http.StatusBadRequest)
			return
		}

		template := x509.Certificate{
			SerialNumber:          big.NewInt(2),
			Subject:               csr.Subject,
			NotBefore:             time.Now(),
			NotAfter:              time.Now().Add(time.Hour * 24),
			KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			BasicConstraintsValid: true,
		}
		derBytes, err := x509.CreateCertificate(rand.Reader, &template, ca.cert, csr.PublicKey, ca.key)
		if err != nil {
			http.Error(w, "signing failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Write(utils.PEMCert(derBytes))
	})

	return r
}

func testCSR(t *testing.T, cn string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal("Failed to generate CSR key")
	}
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SignatureAlgorithm: x509.SHA512WithRSA,
	}
	derBytes, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatal("Failed to create CSR")
	}
	return utils.PEMCSR(derBytes)
}
