package proxy

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InjectionRule says how a credential travels to one upstream
// provider, matched by host substring. Prefix includes its trailing
// space when the scheme wants one.
type InjectionRule struct {
	HostContains string `mapstructure:"hostContains" json:"host_contains"`
	Header       string `mapstructure:"header" json:"header"`
	Prefix       string `mapstructure:"prefix" json:"prefix"`
}

// DefaultRules covers the known providers. Unmatched hosts fall back
// to a bearer token.
func DefaultRules() []InjectionRule {
	return []InjectionRule{
		{HostContains: "openai", Header: "Authorization", Prefix: "Bearer "},
		{HostContains: "anthropic", Header: "x-api-key", Prefix: ""},
		{HostContains: "googleapis", Header: "Authorization", Prefix: "Bearer "},
		{HostContains: "stripe", Header: "Authorization", Prefix: "Bearer "},
		{HostContains: "github", Header: "Authorization", Prefix: "token "},
	}
}

// RuleHolder serves the current rule table and hot-reloads it when the
// rules file changes. Without a file it serves the defaults.
type RuleHolder struct {
	current atomic.Value // holds []InjectionRule
}

func NewRuleHolder(path string, log *zap.Logger) (*RuleHolder, error) {
	log = log.Named("proxy.rules")

	holder := &RuleHolder{}
	holder.current.Store(DefaultRules())
	if path == "" {
		return holder, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		return holder, nil
	}

	rules, err := decodeRules(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(rules)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRules(v)
		if err != nil {
			log.Warn("rules reload failed, keeping previous table", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("rules reloaded", zap.String("file", e.Name), zap.Int("rules", len(updated)))
	})

	return holder, nil
}

func (h *RuleHolder) Get() []InjectionRule {
	return h.current.Load().([]InjectionRule)
}

func decodeRules(v *viper.Viper) ([]InjectionRule, error) {
	var rules []InjectionRule
	if err := v.UnmarshalKey("rules", &rules); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return DefaultRules(), nil
	}
	for i := range rules {
		if rules[i].Header == "" {
			rules[i].Header = "Authorization"
		}
	}
	return rules, nil
}

// authLikeHeaders are the header names whose presence suppresses the
// fallback bearer injection.
var authLikeHeaders = []string{"authorization", "x-api-key", "api-key"}

func hasAuthLikeHeader(headers map[string]string) bool {
	for name := range headers {
		lower := strings.ToLower(name)
		for _, auth := range authLikeHeaders {
			if lower == auth {
				return true
			}
		}
	}
	return false
}

// injectCredential applies the first rule whose substring matches the
// host. Unmatched hosts get a bearer token unless the caller already
// supplied an auth-like header.
func injectCredential(req *http.Request, rules []InjectionRule, host, plaintext string, callerHeaders map[string]string) {
	lowerHost := strings.ToLower(host)
	for _, rule := range rules {
		if strings.Contains(lowerHost, rule.HostContains) {
			req.Header.Set(rule.Header, rule.Prefix+plaintext)
			return
		}
	}
	if !hasAuthLikeHeader(callerHeaders) {
		req.Header.Set("Authorization", "Bearer "+plaintext)
	}
}
