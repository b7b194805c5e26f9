package observability

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/headliner/internal/config"
)

const (
	defaultServiceName = "headliner"

	// The collector's conventional HTTP port; anything else is treated as grpc.
	otlpHTTPPort = "4318"
)

// Config is the observability setup of one headliner process. Scheduler
// replicas share a service name and are told apart by InstanceID.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	InstanceID  string

	LogLevel  string
	LogFormat string
	// FireLogBurst is how many identical log lines per second pass before
	// sampling starts. A sweep over many experiments logs the same line for each.
	FireLogBurst int

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), cfg.AppName, defaultServiceName)
	environment := strings.ToLower(firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment))
	debug := debugEnvironment(environment)

	logFormat := "json"
	samplingRatio := 0.25
	burst := 100
	if debug {
		logFormat = "console"
		samplingRatio = 1
		burst = 1000
	}

	endpoint := strings.TrimSpace(firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint))

	return Config{
		ServiceName:          serviceName,
		Environment:          environment,
		Version:              firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion),
		InstanceID:           "node-" + strconv.FormatInt(cfg.Scheduler.NodeID, 10),
		LogLevel:             strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getenv("LOG_FORMAT", logFormat)),
		FireLogBurst:         getenvInt("LOG_SAMPLING_BURST", burst),
		OtelEnabled:          getenvBool("OTEL_ENABLED", endpoint != ""),
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", protocolFor(endpoint))),
		OtelSamplingRatio:    getenvFloat("OTEL_TRACES_SAMPLER_ARG", samplingRatio),
	}
}

// Debug reports whether the process runs somewhere stack traces and full
// sampling are wanted.
func (c Config) Debug() bool {
	return c.LogLevel == "debug" || debugEnvironment(c.Environment)
}

// SamplingWindow is the period FireLogBurst applies to.
func (c Config) SamplingWindow() time.Duration {
	return time.Second
}

func debugEnvironment(env string) bool {
	switch env {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// protocolFor picks the OTLP protocol from the endpoint port.
func protocolFor(endpoint string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	if _, port, err := net.SplitHostPort(host); err == nil && port == otlpHTTPPort {
		return "http/protobuf"
	}
	return "grpc"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}
