package relation

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/growilabs/slackbot-proxy/pkg/cerr"
	"github.com/growilabs/slackbot-proxy/pkg/clog"
)

// Server serves the relation admin API.
type Server struct {
	repo         Repository
	synchronizer *Synchronizer
	now          func() time.Time
}

func NewServer(repo Repository, synchronizer *Synchronizer) *Server {
	return &Server{repo: repo, synchronizer: synchronizer, now: time.Now}
}

// Routes mounts the handlers; the router is expected to carry the cerr JSON
// response middleware.
func (s *Server) Routes(r chi.Router) {
	r.Get("/relations", s.ListRelations)
	r.Post("/relations", s.CreateRelation)
	r.Get("/relations/{id}", s.GetRelation)
	r.Post("/relations/{id}/sync", s.SyncRelation)
}

type CreateRelationRequest struct {
	InstallationID string `json:"installation_id"`
	GrowiURI       string `json:"growi_uri"`
	TokenGtoP      string `json:"token_gtop"`
	TokenPtoG      string `json:"token_ptog"`
}

func (req *CreateRelationRequest) validate() error {
	switch {
	case strings.TrimSpace(req.InstallationID) == "":
		return cerr.NewError(cerr.InvalidArgument, "installation_id is required", nil)
	case req.TokenGtoP == "" || req.TokenPtoG == "":
		return cerr.NewError(cerr.InvalidArgument, "token_gtop and token_ptog are required", nil)
	}
	u, err := url.Parse(req.GrowiURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cerr.NewError(cerr.InvalidArgument, "growi_uri must be an absolute http(s) URL", err)
	}
	return nil
}

// RelationView is the API representation of a relation. Tokens are never
// returned.
type RelationView struct {
	ID                                 string        `json:"id"`
	InstallationID                     string        `json:"installation_id"`
	GrowiURI                           string        `json:"growi_uri"`
	PermissionsForSingleUseCommands    PermissionMap `json:"permissions_for_single_use_commands"`
	PermissionsForBroadcastUseCommands PermissionMap `json:"permissions_for_broadcast_use_commands"`
	ExpiredAtCommands                  time.Time     `json:"expired_at_commands"`
	CreatedAt                          time.Time     `json:"created_at"`
	UpdatedAt                          time.Time     `json:"updated_at"`
}

func toView(r *Relation) *RelationView {
	return &RelationView{
		ID:                                 r.ID,
		InstallationID:                     r.InstallationID,
		GrowiURI:                           r.GrowiURI,
		PermissionsForSingleUseCommands:    nonNil(r.PermissionsForSingleUseCommands),
		PermissionsForBroadcastUseCommands: nonNil(r.PermissionsForBroadcastUseCommands),
		ExpiredAtCommands:                  r.ExpiredAtCommands,
		CreatedAt:                          r.CreatedAt,
		UpdatedAt:                          r.UpdatedAt,
	}
}

type ListRelationsResponse struct {
	Relations []*RelationView `json:"relations"`
}

func (s *Server) ListRelations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		rels []*Relation
		err  error
	)
	if installationID := r.URL.Query().Get("installation_id"); installationID != "" {
		clog.AddAttribute(ctx, "installation_id", installationID)
		rels, err = s.repo.ListByInstallation(ctx, installationID)
	} else {
		rels, err = s.repo.List(ctx)
	}
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	views := make([]*RelationView, 0, len(rels))
	for _, rel := range rels {
		views = append(views, toView(rel))
	}
	cerr.SetJSONResponse(ctx, &ListRelationsResponse{Relations: views})
}

func (s *Server) CreateRelation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateRelationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if err := req.validate(); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	now := s.now()
	rel := &Relation{
		ID:                                 ulid.Make().String(),
		InstallationID:                     req.InstallationID,
		GrowiURI:                           strings.TrimRight(req.GrowiURI, "/"),
		TokenGtoP:                          req.TokenGtoP,
		TokenPtoG:                          req.TokenPtoG,
		PermissionsForSingleUseCommands:    PermissionMap{},
		PermissionsForBroadcastUseCommands: PermissionMap{},
		// zero expiry: the first evaluation fetches the permissions
		CreatedAt: now,
		UpdatedAt: now,
	}
	clog.AddAttributes(ctx, map[string]any{"relation_id": rel.ID, "installation_id": rel.InstallationID})
	if err := s.repo.Create(ctx, rel); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, toView(rel))
}

func (s *Server) GetRelation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rel, err := s.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toView(rel))
}

// SyncRelation refreshes the relation's permissions now, regardless of expiry.
func (s *Server) SyncRelation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	clog.AddAttribute(ctx, "relation_id", id)
	rel, err := s.repo.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	refreshed, err := s.synchronizer.Refresh(ctx, rel, s.now())
	if err != nil {
		if cerr.CodeOf(err) == cerr.Unknown {
			err = cerr.NewError(cerr.Unavailable, "failed to sync supported commands", err)
		}
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, toView(refreshed))
}
