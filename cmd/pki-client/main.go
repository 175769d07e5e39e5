package main

import (
	"context"
	"flag"
	"io"
	"os"

	kitjwt "github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdopentracing "github.com/opentracing/opentracing-go"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/tunfish/pki-client/pkg/api"
	"github.com/tunfish/pki-client/pkg/client/autosign"
	"github.com/tunfish/pki-client/pkg/configs"
	"github.com/tunfish/pki-client/pkg/naming"
)

func main() {
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := configs.NewConfig("pkiclient")
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not read environment configuration values")
		os.Exit(1)
	}

	var (
		caURL          = flag.String("ca-url", cfg.CAURL, "The system base URL of the CA")
		caName         = flag.String("ca-name", cfg.CAName, "The name of the CA")
		caCertFile     = flag.String("cacert", cfg.CACertFile, "Path where to save the CA certificate")
		keyFile        = flag.String("key", cfg.KeyFile, "Path where to save the private key")
		certFile       = flag.String("certificate", cfg.CertFile, "Path where to save the certificate")
		profile        = flag.String("profile", cfg.Profile, "Profile for certificate purpose (server, webserver, client, enduser, ocsp)")
		cnPrefix       = flag.String("common-name-prefix", cfg.CommonNamePrefix, "Prefix for the common name (CN)")
		commonName     = flag.String("common-name", cfg.CommonName, "Explicit common name, skips generation")
		keyAlg         = flag.String("key-alg", cfg.KeyAlg, "Key algorithm (RSA or EC)")
		keySize        = flag.Int("key-size", cfg.KeySize, "Key size in bits")
		timeout        = flag.Duration("timeout", cfg.Timeout, "CA request timeout")
		serverCA       = flag.String("server-ca", cfg.ServerCA, "CA bundle used to verify the CA server TLS listener")
		authToken      = flag.String("auth-token", cfg.AuthToken, "Bearer token sent to the CA server")
		ocspCheck      = flag.Bool("ocsp-check", cfg.OCSPCheck, "Check the issued certificate against its OCSP responder")
		consulProtocol = flag.String("consul-protocol", cfg.ConsulProtocol, "Consul Service Discovery protocol")
		consulHost     = flag.String("consul-host", cfg.ConsulHost, "Consul Service Discovery host, enables discovery of CA instances")
		consulPort     = flag.String("consul-port", cfg.ConsulPort, "Consul Service Discovery port")
		consulService  = flag.String("consul-service", cfg.ConsulService, "Consul service name of the CA")
	)
	flag.Parse()

	required := []struct {
		name  string
		value string
	}{
		{"ca-url", *caURL},
		{"ca-name", *caName},
		{"cacert", *caCertFile},
		{"key", *keyFile},
		{"certificate", *certFile},
		{"profile", *profile},
	}
	for _, r := range required {
		if r.value == "" && !(r.name == "ca-url" && *consulHost != "") {
			level.Error(logger).Log("err", "missing required option", "option", r.name)
			os.Exit(1)
		}
	}

	var otTracer stdopentracing.Tracer
	var tracerCloser io.Closer
	{
		tracer, closer, err := makeTracer()
		if err != nil {
			level.Warn(logger).Log("err", err, "msg", "Could not start tracer, tracing disabled")
			otTracer = stdopentracing.NoopTracer{}
		} else {
			otTracer = tracer
			tracerCloser = closer
		}
	}

	caClient, err := autosign.NewClient(autosign.Options{
		CAURL:          *caURL,
		CAName:         *caName,
		ServerCA:       *serverCA,
		Timeout:        *timeout,
		ConsulProtocol: *consulProtocol,
		ConsulHost:     *consulHost,
		ConsulPort:     *consulPort,
		ConsulService:  *consulService,
	}, logger, otTracer)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start CA client")
		os.Exit(1)
	}

	fieldKeys := []string{"method"}
	var s api.Service
	{
		s = api.NewRequestService(caClient, *profile, *ocspCheck, api.Paths{
			Key:           *keyFile,
			Certificate:   *certFile,
			CACertificate: *caCertFile,
		})
		s = api.LoggingMiddleware(logger)(s)
		s = api.NewInstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "pki_client",
				Subsystem: "request_service",
				Name:      "request_count",
				Help:      "Number of requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "pki_client",
				Subsystem: "request_service",
				Name:      "request_latency_microseconds",
				Help:      "Total duration of requests in microseconds.",
			}, fieldKeys),
		)(s)
	}

	ctx := context.Background()
	if *authToken != "" {
		ctx = context.WithValue(ctx, kitjwt.JWTTokenContextKey, *authToken)
	}

	cn, err := requestCertificate(ctx, s, *keyAlg, *keySize, *commonName, *cnPrefix)
	if tracerCloser != nil {
		tracerCloser.Close()
	}
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain certificate")
		os.Exit(1)
	}
	level.Info(logger).Log(
		"msg", "certificate issued",
		"cn", cn,
		"key", *keyFile,
		"certificate", *certFile,
		"cacert", *caCertFile,
	)
}

// requestCertificate runs the pipeline once: fetch the CA certificate,
// generate a key pair, build and submit the CSR, verify the result and
// persist everything in a single final step.
func requestCertificate(ctx context.Context, s api.Service, keyAlg string, keySize int, commonName string, cnPrefix string) (string, error) {
	caCert, err := s.FetchCACert(ctx)
	if err != nil {
		return "", err
	}

	key, err := s.GenerateKeyPair(ctx, keyAlg, keySize)
	if err != nil {
		return "", err
	}

	cn := commonName
	if cn == "" {
		cn, err = naming.CommonName(cnPrefix)
		if err != nil {
			return "", err
		}
	}

	csr, err := s.BuildSigningRequest(ctx, key, cn)
	if err != nil {
		return "", err
	}

	cert, err := s.SubmitRequest(ctx, csr)
	if err != nil {
		return "", err
	}

	if err := s.VerifyCertificate(ctx, cert, caCert); err != nil {
		return "", err
	}

	if err := s.Persist(ctx, key, cert, caCert); err != nil {
		return "", err
	}
	return cert.Subject.CommonName, nil
}

func makeTracer() (stdopentracing.Tracer, io.Closer, error) {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if jcfg.ServiceName == "" {
		jcfg.ServiceName = "pki-client"
	}
	return jcfg.NewTracer()
}
