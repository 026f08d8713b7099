// Package auth decides whether a role may run a command type against a
// resource. Role policies are glob patterns from configuration.
package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
)

// Authorizer is called once per command, before routing.
type Authorizer interface {
	CheckPermission(ctx context.Context, userID, role, commandType, resourceID string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID, role, commandType, resourceID string) (bool, error)

// CheckPermission calls f.
func (f AuthorizerFunc) CheckPermission(ctx context.Context, userID, role, commandType, resourceID string) (bool, error) {
	return f(ctx, userID, role, commandType, resourceID)
}

// Require turns a decision into an error: RBAC_PERMISSION_DENIED (user) on
// deny, or a system error when the authorizer itself failed.
func Require(ctx context.Context, a Authorizer, userID, role, commandType, resourceID string) error {
	ok, err := a.CheckPermission(ctx, userID, role, commandType, resourceID)
	if err != nil {
		return errs.System(errs.RBACPermissionDenied, "authorization could not be checked", err)
	}
	if !ok {
		return errs.User(errs.RBACPermissionDenied, fmt.Sprintf("role %q may not run %s", role, commandType))
	}
	return nil
}

// PolicyAuthorizer matches role policies. Deny patterns win over allow
// patterns; unknown roles are denied. Command types compare
// case-insensitively.
type PolicyAuthorizer struct {
	roles map[string]config.RolePolicy
	log   zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats counts decisions.
type Stats struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// Option configures a PolicyAuthorizer.
type Option func(*PolicyAuthorizer)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *PolicyAuthorizer) { a.log = l }
}

// NewPolicyAuthorizer validates every pattern and copies the policies.
func NewPolicyAuthorizer(cfg config.AuthConfig, opts ...Option) (*PolicyAuthorizer, error) {
	a := &PolicyAuthorizer{
		roles: make(map[string]config.RolePolicy, len(cfg.Roles)),
		log:   logging.Component("auth"),
	}
	for role, p := range cfg.Roles {
		for _, list := range [][]string{p.Commands, p.Resources, p.Deny} {
			for _, pattern := range list {
				if !doublestar.ValidatePattern(pattern) {
					return nil, fmt.Errorf("role %s: invalid pattern %q", role, pattern)
				}
			}
		}
		a.roles[strings.ToLower(role)] = config.RolePolicy{
			Commands:  upper(p.Commands),
			Resources: append([]string(nil), p.Resources...),
			Deny:      upper(p.Deny),
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CheckPermission implements Authorizer.
func (a *PolicyAuthorizer) CheckPermission(_ context.Context, userID, role, commandType, resourceID string) (bool, error) {
	allowed, why, err := a.decide(role, strings.ToUpper(commandType), resourceID)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	if allowed {
		a.stats.Allowed++
	} else {
		a.stats.Denied++
	}
	a.mu.Unlock()

	a.log.Debug().
		Str("user_id", userID).
		Str("role", role).
		Str("command_type", commandType).
		Str("resource_id", resourceID).
		Bool("allowed", allowed).
		Str("why", why).
		Msg("authorization decision")
	return allowed, nil
}

func (a *PolicyAuthorizer) decide(role, commandType, resourceID string) (bool, string, error) {
	p, ok := a.roles[strings.ToLower(role)]
	if !ok {
		return false, "unknown role", nil
	}

	denied, err := matchAny(p.Deny, commandType)
	if err != nil || denied {
		return false, "deny pattern", err
	}
	allowed, err := matchAny(p.Commands, commandType)
	if err != nil || !allowed {
		return false, "no command pattern", err
	}
	if resourceID != "" && len(p.Resources) > 0 {
		ok, err := matchAny(p.Resources, resourceID)
		if err != nil || !ok {
			return false, "no resource pattern", err
		}
	}
	return true, "allowed", nil
}

// Roles lists configured roles alphabetically.
func (a *PolicyAuthorizer) Roles() []string {
	out := make([]string, 0, len(a.roles))
	for r := range a.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Stats returns decision counts.
func (a *PolicyAuthorizer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
