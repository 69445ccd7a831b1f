package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/gateway-dispatch-go/internal/breaker"
	"github.com/fabian4/gateway-dispatch-go/internal/lb"
	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

type rawDuration string

func (d rawDuration) parse(field string) (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(string(d))
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	return v, nil
}

type rawRateLimit struct {
	Window  rawDuration `yaml:"window"`
	MaxHits int         `yaml:"max_hits"`
}

func (r rawRateLimit) parse(field string) (model.RateLimitConfig, error) {
	w, err := r.Window.parse(field + ".window")
	if err != nil {
		return model.RateLimitConfig{}, err
	}
	return model.RateLimitConfig{Window: w, MaxHits: r.MaxHits}, nil
}

type rawConfig struct {
	EntryPoint struct {
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	Admin struct {
		Address string `yaml:"address"`
	} `yaml:"admin"`
	IncludeErrorDetails bool `yaml:"include_error_details"`
	Timeouts            struct {
		Read     rawDuration `yaml:"read"`
		Write    rawDuration `yaml:"write"`
		Upstream rawDuration `yaml:"upstream"`
	} `yaml:"timeouts"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	LoadBalancer struct {
		Strategy       string      `yaml:"strategy"`
		StrictHealthy  bool        `yaml:"strict_healthy"`
		HealthPath     string      `yaml:"health_path"`
		HealthInterval rawDuration `yaml:"health_interval"`
		HealthTimeout  rawDuration `yaml:"health_timeout"`
		ProbesPerSec   float64     `yaml:"probes_per_sec"`
	} `yaml:"load_balancer"`
	CircuitBreaker struct {
		Enabled          *bool       `yaml:"enabled"`
		FailureThreshold int         `yaml:"failure_threshold"`
		OpenDuration     rawDuration `yaml:"open_duration"`
		MonitoringWindow rawDuration `yaml:"monitoring_window"`
	} `yaml:"circuit_breaker"`
	RateLimits struct {
		Global   rawRateLimit `yaml:"global"`
		User     rawRateLimit `yaml:"user"`
		Endpoint rawRateLimit `yaml:"endpoint"`
	} `yaml:"rate_limits"`
	AuthKeys map[string]string `yaml:"auth_keys"`
	Services []struct {
		Name      string `yaml:"name"`
		Proto     string `yaml:"proto"`
		Instances []struct {
			ID     string `yaml:"id"`
			URL    string `yaml:"url"`
			Weight int    `yaml:"weight"`
		} `yaml:"instances"`
	} `yaml:"services"`
	Routes []struct {
		Name              string        `yaml:"name"`
		Method            string        `yaml:"method"`
		Path              string        `yaml:"path"`
		Service           string        `yaml:"service"`
		APIVersion        string        `yaml:"api_version"`
		TargetVersion     string        `yaml:"target_version"`
		Timeout           rawDuration   `yaml:"timeout"`
		MaxRetries        int           `yaml:"max_retries"`
		Auth              bool          `yaml:"auth"`
		RateLimit         bool          `yaml:"rate_limit"`
		Cacheable         bool          `yaml:"cacheable"`
		RateLimitOverride *rawRateLimit `yaml:"rate_limit_override"`
	} `yaml:"routes"`
	Aggregations []struct {
		Endpoint  string      `yaml:"endpoint"`
		Merge     string      `yaml:"merge"`
		OnFailure string      `yaml:"on_failure"`
		Timeout   rawDuration `yaml:"timeout"`
		Requests  []struct {
			Service  string `yaml:"service"`
			Method   string `yaml:"method"`
			Path     string `yaml:"path"`
			Key      string `yaml:"key"`
			Required bool   `yaml:"required"`
		} `yaml:"requests"`
	} `yaml:"aggregations"`
}

// RateLimits holds the deployment-wide scope budgets.
type RateLimits struct {
	Global   model.RateLimitConfig
	User     model.RateLimitConfig
	Endpoint model.RateLimitConfig
}

// Redis connection settings for the rate limit store.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// HealthCheck settings for the active prober.
type HealthCheck struct {
	Path         string
	Interval     time.Duration
	Timeout      time.Duration
	ProbesPerSec float64
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

type Config struct {
	Listen              string
	AdminListen         string
	IncludeErrorDetails bool
	Timeouts            Timeouts
	Redis               Redis
	Strategy            lb.Strategy
	StrictHealthy       bool
	HealthCheck         HealthCheck
	Breaker             breaker.Config
	RateLimits          RateLimits
	AuthKeys            map[string]string
	Services            map[string]model.Service
	Routes              []model.Route
	Aggregations        []model.AggregationSpec
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen:              ":8080",
		AdminListen:         ":9090",
		IncludeErrorDetails: rc.IncludeErrorDetails,
		AuthKeys:            rc.AuthKeys,
	}
	if a := strings.TrimSpace(rc.EntryPoint.Address); a != "" {
		c.Listen = a
	}
	if a := strings.TrimSpace(rc.Admin.Address); a != "" {
		c.AdminListen = a
	}

	if c.Timeouts.Read, err = rc.Timeouts.Read.parse("timeouts.read"); err != nil {
		return nil, err
	}
	if c.Timeouts.Write, err = rc.Timeouts.Write.parse("timeouts.write"); err != nil {
		return nil, err
	}
	if c.Timeouts.Upstream, err = rc.Timeouts.Upstream.parse("timeouts.upstream"); err != nil {
		return nil, err
	}

	c.Redis = Redis{Addr: rc.Redis.Addr, Password: rc.Redis.Password, DB: rc.Redis.DB}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	if c.Strategy, err = lb.ParseStrategy(rc.LoadBalancer.Strategy); err != nil {
		return nil, fmt.Errorf("load_balancer: %v", err)
	}
	c.StrictHealthy = rc.LoadBalancer.StrictHealthy
	c.HealthCheck.Path = rc.LoadBalancer.HealthPath
	c.HealthCheck.ProbesPerSec = rc.LoadBalancer.ProbesPerSec
	if c.HealthCheck.Interval, err = rc.LoadBalancer.HealthInterval.parse("load_balancer.health_interval"); err != nil {
		return nil, err
	}
	if c.HealthCheck.Timeout, err = rc.LoadBalancer.HealthTimeout.parse("load_balancer.health_timeout"); err != nil {
		return nil, err
	}

	c.Breaker = breaker.DefaultConfig()
	if rc.CircuitBreaker.Enabled != nil {
		c.Breaker.Enabled = *rc.CircuitBreaker.Enabled
	}
	if rc.CircuitBreaker.FailureThreshold > 0 {
		c.Breaker.FailureThreshold = rc.CircuitBreaker.FailureThreshold
	}
	if d, err := rc.CircuitBreaker.OpenDuration.parse("circuit_breaker.open_duration"); err != nil {
		return nil, err
	} else if d > 0 {
		c.Breaker.OpenDuration = d
	}
	if d, err := rc.CircuitBreaker.MonitoringWindow.parse("circuit_breaker.monitoring_window"); err != nil {
		return nil, err
	} else if d > 0 {
		c.Breaker.MonitoringWindow = d
	}

	if c.RateLimits.Global, err = rc.RateLimits.Global.parse("rate_limits.global"); err != nil {
		return nil, err
	}
	if c.RateLimits.User, err = rc.RateLimits.User.parse("rate_limits.user"); err != nil {
		return nil, err
	}
	if c.RateLimits.Endpoint, err = rc.RateLimits.Endpoint.parse("rate_limits.endpoint"); err != nil {
		return nil, err
	}

	// services
	c.Services = make(map[string]model.Service)
	for i, s := range rc.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		proto := strings.ToLower(strings.TrimSpace(s.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto":
		default:
			return nil, fmt.Errorf("services[%d]: unknown proto %q", i, proto)
		}
		if len(s.Instances) == 0 {
			return nil, fmt.Errorf("services[%d]: instances is empty", i)
		}
		var instances []model.Instance
		for j, in := range s.Instances {
			u, err := url.Parse(strings.TrimSpace(in.URL))
			if err != nil {
				return nil, fmt.Errorf("services[%d].instances[%d]: parse: %v", i, j, err)
			}
			if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("services[%d].instances[%d]: must be http(s) URL with host", i, j)
			}
			id := strings.TrimSpace(in.ID)
			if id == "" {
				id = fmt.Sprintf("%s-%d", name, j)
			}
			instances = append(instances, model.Instance{ID: id, BaseURL: u, Weight: in.Weight})
		}
		if _, dup := c.Services[name]; dup {
			return nil, fmt.Errorf("services: duplicate name %q", name)
		}
		c.Services[name] = model.Service{Name: name, Proto: proto, Instances: instances}
	}
	if len(c.Services) == 0 {
		return nil, fmt.Errorf("services: at least one is required")
	}

	// routes
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		service := strings.TrimSpace(r.Service)
		if service == "" {
			return nil, fmt.Errorf("routes[%d]: service is required", i)
		}
		if _, ok := c.Services[service]; !ok {
			return nil, fmt.Errorf("routes[%d]: service=%q not found in services", i, service)
		}
		timeout, err := r.Timeout.parse(fmt.Sprintf("routes[%d].timeout", i))
		if err != nil {
			return nil, err
		}
		rt := model.Route{
			Name:              name,
			Method:            strings.ToUpper(strings.TrimSpace(r.Method)),
			PathPattern:       strings.TrimSpace(r.Path),
			Service:           service,
			APIVersion:        strings.TrimSpace(r.APIVersion),
			TargetVersion:     strings.TrimSpace(r.TargetVersion),
			Timeout:           timeout,
			MaxRetries:        r.MaxRetries,
			RequiresAuth:      r.Auth,
			RequiresRateLimit: r.RateLimit,
			Cacheable:         r.Cacheable,
		}
		if r.RateLimitOverride != nil {
			cfg, err := r.RateLimitOverride.parse(fmt.Sprintf("routes[%d].rate_limit_override", i))
			if err != nil {
				return nil, err
			}
			rt.RateLimit = &cfg
		}
		c.Routes = append(c.Routes, rt)
	}

	// aggregations
	for i, a := range rc.Aggregations {
		timeout, err := a.Timeout.parse(fmt.Sprintf("aggregations[%d].timeout", i))
		if err != nil {
			return nil, err
		}
		spec := model.AggregationSpec{
			EndpointPattern: strings.TrimSpace(a.Endpoint),
			MergeStrategy:   strings.TrimSpace(a.Merge),
			FailureStrategy: strings.TrimSpace(a.OnFailure),
			Timeout:         timeout,
		}
		for j, sr := range a.Requests {
			service := strings.TrimSpace(sr.Service)
			if _, ok := c.Services[service]; !ok {
				return nil, fmt.Errorf("aggregations[%d].requests[%d]: service=%q not found in services", i, j, service)
			}
			key := strings.TrimSpace(sr.Key)
			if key == "" {
				return nil, fmt.Errorf("aggregations[%d].requests[%d]: key is required", i, j)
			}
			spec.SubRequests = append(spec.SubRequests, model.SubRequest{
				Service:     service,
				Method:      strings.ToUpper(strings.TrimSpace(sr.Method)),
				Path:        strings.TrimSpace(sr.Path),
				ResponseKey: key,
				Required:    sr.Required,
			})
		}
		c.Aggregations = append(c.Aggregations, spec)
	}

	return c, nil
}
