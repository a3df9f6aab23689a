package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sourcegraph/conc/iter"

	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/pkg/cerr"
	"github.com/growilabs/slackbot-proxy/pkg/clog"
)

// RelationLister is the part of relation.Repository the handlers need.
type RelationLister interface {
	ListByInstallation(ctx context.Context, installationID string) ([]*relation.Relation, error)
}

type HandlerOption func(*Handler)

// WithBroadcastCommands sets the commands evaluated against the
// broadcast-use permission map. Everything else is single-use.
func WithBroadcastCommands(names ...string) HandlerOption {
	return func(h *Handler) {
		h.broadcast = make(map[string]struct{}, len(names))
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				h.broadcast[n] = struct{}{}
			}
		}
	}
}

type Handler struct {
	relations  RelationLister
	evaluator  *relation.Evaluator
	authorizer *relation.Authorizer
	verifier   *Verifier
	broadcast  map[string]struct{}
	now        func() time.Time
}

func NewHandler(relations RelationLister, evaluator *relation.Evaluator, authorizer *relation.Authorizer, verifier *Verifier, opts ...HandlerOption) *Handler {
	h := &Handler{
		relations:  relations,
		evaluator:  evaluator,
		authorizer: authorizer,
		verifier:   verifier,
		broadcast:  map[string]struct{}{"search": {}},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the Slack endpoints. The router is expected to carry the
// cerr JSON response middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.verifier.Middleware)
		r.Post("/commands", h.HandleCommand)
		r.Post("/interactions", h.HandleInteraction)
	})
}

func (h *Handler) scopeOf(commandName string) relation.Scope {
	if _, ok := h.broadcast[commandName]; ok {
		return relation.ScopeBroadcastUse
	}
	return relation.ScopeSingleUse
}

func (h *Handler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid form body", err)
		return
	}
	cmd := parseCommandText(r.PostForm.Get("team_id"), r.PostForm.Get("channel_name"), r.PostForm.Get("text"))
	clog.AddAttributes(ctx, map[string]any{
		"team_id": cmd.TeamID,
		"channel": cmd.ChannelName,
		"command": cmd.Name,
	})
	if cmd.TeamID == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "team_id is required", nil)
		return
	}
	if cmd.Name == "" {
		cerr.SetJSONResponse(ctx, ephemeral("Usage: /growi <command> [args...]"))
		return
	}

	rels, err := h.relations.ListByInstallation(ctx, cmd.TeamID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if len(rels) == 0 {
		cerr.SetJSONResponse(ctx, ephemeral("No GROWI is related to this workspace."))
		return
	}

	scope := h.scopeOf(cmd.Name)
	now := h.now()
	allowed := iter.Map(rels, func(rp **relation.Relation) bool {
		return h.evaluator.IsAllowed(ctx, *rp, scope, cmd.Name, cmd.ChannelName, now)
	})

	var accepted, refused []string
	for i, rel := range rels {
		if allowed[i] {
			accepted = append(accepted, rel.GrowiURI)
		} else {
			refused = append(refused, rel.GrowiURI)
		}
	}
	clog.AddAttributes(ctx, map[string]any{"scope": scope.String(), "accepted": len(accepted), "refused": len(refused)})
	cerr.SetJSONResponse(ctx, ephemeral(commandResultText(cmd, accepted, refused)))
}

func commandResultText(cmd *Command, accepted, refused []string) string {
	var b strings.Builder
	if len(accepted) > 0 {
		fmt.Fprintf(&b, "`%s` was accepted by: %s", cmd.Name, strings.Join(accepted, ", "))
	}
	if len(refused) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "`%s` is not permitted in #%s by: %s", cmd.Name, cmd.ChannelName, strings.Join(refused, ", "))
	}
	return b.String()
}

func (h *Handler) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid form body", err)
		return
	}
	p, err := parseInteractionPayload(r.PostForm.Get("payload"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	actionID, callbackID := p.ActionID(), p.CallbackIDOrView()
	clog.AddAttributes(ctx, map[string]any{
		"team_id":     p.Team.ID,
		"channel":     p.Channel.Name,
		"action_id":   actionID,
		"callback_id": callbackID,
	})

	rels, err := h.relations.ListByInstallation(ctx, p.Team.ID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	result := h.authorizer.Authorize(ctx, rels, actionID, callbackID, p.Channel.Name, h.now())
	clog.AddAttributes(ctx, map[string]any{
		"command":    result.CommandName,
		"allowed":    len(result.AllowedRelations),
		"disallowed": len(result.DisallowedGrowiURIs),
	})
	if len(result.DisallowedGrowiURIs) == 0 {
		// Slack only needs a 200 to acknowledge the interaction.
		return
	}
	cerr.SetJSONResponse(ctx, ephemeral(fmt.Sprintf("`%s` is not permitted in #%s by: %s",
		result.CommandName, p.Channel.Name, strings.Join(result.DisallowedGrowiURIList(), ", "))))
}
