package relation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/growilabs/slackbot-proxy/pkg/panicerr"
)

// Decision is the outcome for one relation of an interaction check.
type Decision struct {
	Relation *Relation
	// Matched is false when none of the relation's commands matched the
	// interaction; such relations are neither allowed nor disallowed.
	Matched     bool
	CommandName string
	Allowed     bool
	Err         error
}

type AuthorizationResult struct {
	AllowedRelations    []*Relation
	DisallowedGrowiURIs map[string]struct{}
	// CommandName comes from the first relation, in input order, that matched.
	CommandName string
	Decisions   []Decision
}

func (r *AuthorizationResult) DisallowedGrowiURIList() []string {
	uris := make([]string, 0, len(r.DisallowedGrowiURIs))
	for uri := range r.DisallowedGrowiURIs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Authorizer checks an inbound interaction against a batch of relations.
type Authorizer struct {
	evaluator *Evaluator
	patterns  sync.Map // command name -> *regexp.Regexp
}

func NewAuthorizer(evaluator *Evaluator) *Authorizer {
	return &Authorizer{evaluator: evaluator}
}

// Authorize evaluates every relation concurrently and merges the outcomes.
// It never fails: a relation that cannot be evaluated is disallowed.
func (a *Authorizer) Authorize(ctx context.Context, relations []*Relation, actionID, callbackID, channelName string, now time.Time) *AuthorizationResult {
	decisions := iter.Map(relations, func(rp **Relation) Decision {
		r := *rp
		d, err := panicerr.Value(func() Decision {
			return a.decide(ctx, r, actionID, callbackID, channelName, now)
		})
		if err != nil {
			return Decision{Relation: r, Matched: true, Err: err}
		}
		return d
	})

	result := &AuthorizationResult{
		DisallowedGrowiURIs: make(map[string]struct{}),
		Decisions:           decisions,
	}
	for _, d := range decisions {
		if !d.Matched || d.Relation == nil {
			continue
		}
		if result.CommandName == "" {
			result.CommandName = d.CommandName
		}
		if d.Allowed {
			result.AllowedRelations = append(result.AllowedRelations, d.Relation)
			continue
		}
		result.DisallowedGrowiURIs[d.Relation.GrowiURI] = struct{}{}
	}
	return result
}

func (a *Authorizer) decide(ctx context.Context, r *Relation, actionID, callbackID, channelName string, now time.Time) Decision {
	if r == nil {
		return Decision{}
	}
	synced := a.evaluator.usable(ctx, r, now)
	if synced == nil {
		return Decision{Relation: r, Matched: true, Err: ErrSyncFailed}
	}

	for _, name := range synced.CommandNames() {
		pattern := a.pattern(name)
		if !pattern.MatchString(actionID) && !pattern.MatchString(callbackID) {
			continue
		}
		p, _ := synced.ResolvePermission(name)
		return Decision{
			Relation:    synced,
			Matched:     true,
			CommandName: name,
			Allowed:     p.AllowsChannel(channelName),
		}
	}
	return Decision{Relation: synced}
}

// pattern matches "name" exactly or "name:<handler>", e.g. "search" and
// "search:showNextResults".
func (a *Authorizer) pattern(commandName string) *regexp.Regexp {
	if re, ok := a.patterns.Load(commandName); ok {
		return re.(*regexp.Regexp)
	}
	quoted := regexp.QuoteMeta(commandName)
	re := regexp.MustCompile(fmt.Sprintf(`(^%s$)|(^%s:\w+)`, quoted, quoted))
	actual, _ := a.patterns.LoadOrStore(commandName, re)
	return actual.(*regexp.Regexp)
}
