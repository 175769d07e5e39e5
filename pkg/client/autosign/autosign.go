package autosign

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/sd"
	consulsd "github.com/go-kit/kit/sd/consul"
	"github.com/go-kit/kit/sd/lb"
	kitot "github.com/go-kit/kit/tracing/opentracing"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/hashicorp/consul/api"
	stdopentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/tunfish/pki-client/pkg/client"
	"github.com/tunfish/pki-client/pkg/utils"
)

const csrContentType = "application/x-pem-file"

var (
	ErrRemoteConnection = errors.New("error connecting to remote CA server")
	ErrGetRemoteCA      = errors.New("error getting remote CA certificate")
	ErrPKIOperation     = errors.New("unable to perform PKI operation")
	ErrConsulConnection = errors.New("error connecting to Service Discovery server")
)

// Options configures the autosign client. CAURL is used directly unless
// ConsulHost is set, in which case CA instances are resolved through Consul.
type Options struct {
	CAURL    string
	CAName   string
	ServerCA string
	Timeout  time.Duration

	ConsulProtocol string
	ConsulHost     string
	ConsulPort     string
	ConsulService  string
}

type Autosign struct {
	caName      string
	getCACert   endpoint.Endpoint
	signRequest endpoint.Endpoint
	logger      log.Logger
}

func NewClient(opts Options, logger log.Logger, otTracer stdopentracing.Tracer) (client.Client, error) {
	var getCACertEndpoint, signRequestEndpoint endpoint.Endpoint

	if opts.ConsulHost != "" {
		instancer, err := makeConsulInstancer(opts, logger)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not start Consul API Client")
			return nil, ErrConsulConnection
		}
		getCACertEndpoint = retryEndpoint(instancer, makeGetCACertFactory(opts), opts.Timeout, logger)
		signRequestEndpoint = retryEndpoint(instancer, makeSignRequestFactory(opts), opts.Timeout, logger)
	} else {
		var err error
		getCACertEndpoint, _, err = makeGetCACertFactory(opts)(opts.CAURL)
		if err != nil {
			return nil, err
		}
		signRequestEndpoint, _, err = makeSignRequestFactory(opts)(opts.CAURL)
		if err != nil {
			return nil, err
		}
	}

	getCACertEndpoint = kitot.TraceClient(otTracer, "GetCACert")(getCACertEndpoint)
	signRequestEndpoint = kitot.TraceClient(otTracer, "SignRequest")(signRequestEndpoint)

	return &Autosign{
		caName:      opts.CAName,
		getCACert:   getCACertEndpoint,
		signRequest: signRequestEndpoint,
		logger:      logger,
	}, nil
}

func (a *Autosign) GetCACert(ctx context.Context) ([]byte, error) {
	response, err := a.getCACert(ctx, getCACertRequest{})
	if err != nil {
		level.Error(a.logger).Log("err", err, "msg", "Could not get CA certificate from CA server")
		return nil, classify(err)
	}
	resp := response.(getCACertResponse)
	return resp.CACert, nil
}

func (a *Autosign) SignRequest(ctx context.Context, csr []byte, profile string) (*x509.Certificate, error) {
	response, err := a.signRequest(ctx, signRequest{CSR: csr, Profile: profile})
	if err != nil {
		level.Error(a.logger).Log("err", err, "msg", "Could not autosign CSR at CA server")
		return nil, classify(err)
	}
	resp := response.(signResponse)
	return resp.Cert, nil
}

// classify maps transport failures to ErrRemoteConnection while letting the
// decoder's protocol sentinels pass through. Balanced endpoints report
// through lb.RetryError, which must be unwrapped first.
func classify(err error) error {
	if retryError, ok := err.(lb.RetryError); ok {
		err = retryError.Final
	}
	switch err {
	case ErrGetRemoteCA, ErrPKIOperation:
		return err
	}
	return ErrRemoteConnection
}

type getCACertRequest struct{}

type getCACertResponse struct {
	CACert []byte
}

type signRequest struct {
	CSR     []byte
	Profile string
}

type signResponse struct {
	Cert *x509.Certificate
}

func makeConsulInstancer(opts Options, logger log.Logger) (sd.Instancer, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = opts.ConsulProtocol + "://" + opts.ConsulHost + ":" + opts.ConsulPort
	consulClient, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}
	clientConsul := consulsd.NewClient(consulClient)
	tags := []string{"ca", opts.CAName}
	passingOnly := true
	return consulsd.NewInstancer(clientConsul, logger, opts.ConsulService, tags, passingOnly), nil
}

func retryEndpoint(instancer sd.Instancer, factory sd.Factory, timeout time.Duration, logger log.Logger) endpoint.Endpoint {
	endpointer := sd.NewEndpointer(instancer, factory, logger)
	balancer := lb.NewRoundRobin(endpointer)
	return lb.Retry(1, timeout, balancer)
}

func makeGetCACertFactory(opts Options) sd.Factory {
	return func(instance string) (endpoint.Endpoint, io.Closer, error) {
		u, err := parseInstance(instance)
		if err != nil {
			return nil, nil, err
		}
		httpc, err := makeHTTPClient(opts)
		if err != nil {
			return nil, nil, err
		}
		options := []httptransport.ClientOption{
			httptransport.SetClient(httpc),
			httptransport.ClientBefore(jwt.ContextToHTTP()),
		}
		return httptransport.NewClient(
			"GET",
			u,
			encodeGetCACertRequest(opts.CAName),
			decodeGetCACertResponse,
			options...,
		).Endpoint(), nil, nil
	}
}

func makeSignRequestFactory(opts Options) sd.Factory {
	return func(instance string) (endpoint.Endpoint, io.Closer, error) {
		u, err := parseInstance(instance)
		if err != nil {
			return nil, nil, err
		}
		httpc, err := makeHTTPClient(opts)
		if err != nil {
			return nil, nil, err
		}
		options := []httptransport.ClientOption{
			httptransport.SetClient(httpc),
			httptransport.ClientBefore(jwt.ContextToHTTP()),
		}
		return httptransport.NewClient(
			"POST",
			u,
			encodeSignRequest(opts.CAName),
			decodeSignResponse,
			options...,
		).Endpoint(), nil, nil
	}
}

func encodeGetCACertRequest(caName string) httptransport.EncodeRequestFunc {
	return func(_ context.Context, r *http.Request, _ interface{}) error {
		r.URL.Path = "/issuer/" + caName + ".pem"
		return nil
	}
}

func decodeGetCACertResponse(_ context.Context, r *http.Response) (interface{}, error) {
	if r.StatusCode != http.StatusOK {
		return nil, ErrGetRemoteCA
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return nil, ErrGetRemoteCA
	}
	pemBlock, _ := pem.Decode(body)
	if err := utils.CheckPEMBlock(pemBlock, utils.CertPEMBlockType); err != nil {
		return nil, ErrGetRemoteCA
	}
	return getCACertResponse{CACert: body}, nil
}

func encodeSignRequest(caName string) httptransport.EncodeRequestFunc {
	return func(_ context.Context, r *http.Request, request interface{}) error {
		req := request.(signRequest)
		r.URL.Path = "/pki/" + caName + "/autosign"
		q := r.URL.Query()
		q.Set("profile", req.Profile)
		r.URL.RawQuery = q.Encode()
		r.Header.Set("Content-Type", csrContentType)
		r.Body = ioutil.NopCloser(bytes.NewReader(req.CSR))
		r.ContentLength = int64(len(req.CSR))
		return nil
	}
}

func decodeSignResponse(_ context.Context, r *http.Response) (interface{}, error) {
	if r.StatusCode != http.StatusOK {
		return nil, ErrPKIOperation
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return nil, ErrPKIOperation
	}
	pemBlock, _ := pem.Decode(body)
	if err := utils.CheckPEMBlock(pemBlock, utils.CertPEMBlockType); err != nil {
		return nil, ErrPKIOperation
	}
	cert, err := x509.ParseCertificate(pemBlock.Bytes)
	if err != nil {
		return nil, ErrPKIOperation
	}
	return signResponse{Cert: cert}, nil
}

func parseInstance(instance string) (*url.URL, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	return url.Parse(instance)
}

func makeHTTPClient(opts Options) (*http.Client, error) {
	httpc := &http.Client{
		Timeout: opts.Timeout,
	}
	if opts.ServerCA != "" {
		caCertPool, err := utils.CreateCAPool(opts.ServerCA)
		if err != nil {
			return nil, err
		}
		httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		}
	}
	return httpc, nil
}
