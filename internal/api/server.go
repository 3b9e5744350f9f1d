// Package api implements the filament REST API server using the chi router.
// It registers every route group under /api/v1, provides middleware for
// logging, recovery, CORS, and body/rate limits, and mounts the WebSocket
// gateway and Prometheus metrics endpoint alongside it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/api/guilds"
	"github.com/filament/server/internal/api/messages"
	"github.com/filament/server/internal/api/users"
	"github.com/filament/server/internal/auth"
	"github.com/filament/server/internal/config"
	"github.com/filament/server/internal/database"
	"github.com/filament/server/internal/events"
	"github.com/filament/server/internal/gateway"
	"github.com/filament/server/internal/media"
	appmiddleware "github.com/filament/server/internal/middleware"
	"github.com/filament/server/internal/permissions"
	"github.com/filament/server/internal/presence"
	"github.com/filament/server/internal/search"
	"github.com/filament/server/internal/voice"
)

// Deps bundles every already-constructed service NewServer wires onto the
// router. Optional services (Media, Search, Voice) may be nil. A nil Voice
// makes the voice routes respond 501; a nil Media makes attachment upload
// respond 501 and leaves the attachment get/delete routes unmounted; a nil
// Search leaves the search route unmounted.
type Deps struct {
	DB       *database.DB
	Config   *config.Config
	Auth     *auth.Service
	Bus      *events.Bus
	Cache    *presence.Cache
	Media    *media.AttachmentStore
	Search   *search.Service
	Voice    *voice.Service
	Guilds   *guilds.Service
	Messages *messages.Service
	Users    *users.Service
	Resolver *users.Resolver
	Gateway  *gateway.Server
	Logger   *slog.Logger
	Version  string
}

// Server is the HTTP API server for filament. It holds the chi router and
// every service the route handlers close over.
type Server struct {
	Router   *chi.Mux
	DB       *database.DB
	Config   *config.Config
	Auth     *auth.Service
	Bus      *events.Bus
	Cache    *presence.Cache
	Media    *media.AttachmentStore
	Search   *search.Service
	Voice    *voice.Service
	Guilds   *guilds.Service
	Messages *messages.Service
	Users    *users.Service
	Resolver *users.Resolver
	Gateway  *gateway.Server
	Version  string
	Logger   *slog.Logger
	server   *http.Server
}

// NewServer creates an API server with all routes and middleware registered.
func NewServer(d Deps) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		DB:       d.DB,
		Config:   d.Config,
		Auth:     d.Auth,
		Bus:      d.Bus,
		Cache:    d.Cache,
		Media:    d.Media,
		Search:   d.Search,
		Voice:    d.Voice,
		Guilds:   d.Guilds,
		Messages: d.Messages,
		Users:    d.Users,
		Resolver: d.Resolver,
		Gateway:  d.Gateway,
		Version:  d.Version,
		Logger:   d.Logger,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware adds global middleware to the router.
func (s *Server) registerMiddleware() {
	timeout, err := s.Config.Limits.RequestTimeoutParsed()
	if err != nil {
		timeout = 10 * time.Second
	}

	s.Router.Use(middleware.RealIP)
	s.Router.Use(appmiddleware.CorrelationID)
	s.Router.Use(appmiddleware.TracingLogger(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(corsMiddleware(s.Config.HTTP.CORSOrigins))
	s.Router.Use(middleware.Compress(5))
	s.Router.Use(middleware.Timeout(timeout))
	s.Router.Use(maxBodySize(s.Config.Limits.MaxBodyBytes))
	s.Router.Use(s.rateLimitMiddleware())
}

// registerRoutes mounts every route group on the router.
func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealthCheck)
	s.Router.Get("/metrics", s.handleMetrics)

	if s.Gateway != nil {
		s.Router.Get("/gateway/ws", s.Gateway.ServeHTTP)
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.With(auth.RequireAuth(s.Auth)).Get("/me", s.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.Auth))

			r.Route("/users", func(r chi.Router) {
				r.Get("/@me", s.Users.HandleMe)
				r.Patch("/@me", s.Users.HandleUpdateAbout)
			})

			r.Route("/guilds", func(r chi.Router) {
				r.Post("/", func(w http.ResponseWriter, r *http.Request) {
					s.Guilds.HandleCreateGuild(w, r, auth.UserIDFromContext(r.Context()))
				})

				r.Route("/{guildID}", func(r chi.Router) {
					r.Post("/join", func(w http.ResponseWriter, r *http.Request) {
						s.Guilds.HandleJoin(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"))
					})
					r.Get("/permissions/self", func(w http.ResponseWriter, r *http.Request) {
						s.Users.HandleSelfPermissions(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"))
					})
					r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
						s.Guilds.HandleListAuditLog(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"))
					})

					r.Route("/roles", func(r chi.Router) {
						r.Get("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleListRoles(w, r, chi.URLParam(r, "guildID"))
						})
						r.Post("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleCreateRole(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"))
						})
						r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleReorderRoles(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"))
						})
						r.Route("/{roleID}", func(r chi.Router) {
							r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
								s.Guilds.HandleUpdateRole(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "roleID"))
							})
							r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
								s.Guilds.HandleDeleteRole(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "roleID"))
							})
						})
					})

					r.Route("/members/{targetUserID}/roles/{roleID}", func(r chi.Router) {
						r.Put("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleAssignRole(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "targetUserID"), chi.URLParam(r, "roleID"))
						})
						r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleUnassignRole(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "targetUserID"), chi.URLParam(r, "roleID"))
						})
					})

					r.Route("/ip-bans", func(r chi.Router) {
						r.Get("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleListIPBans(w, r, chi.URLParam(r, "guildID"))
						})
						r.Route("/{targetUserID}", func(r chi.Router) {
							r.Post("/", func(w http.ResponseWriter, r *http.Request) {
								s.Guilds.HandleUpsertIPBansByUser(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "targetUserID"))
							})
						})
						r.Delete("/{banID}", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleRemoveIPBan(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "banID"))
						})
					})

					r.Route("/channels", func(r chi.Router) {
						r.Post("/", func(w http.ResponseWriter, r *http.Request) {
							s.Guilds.HandleCreateChannel(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"))
						})

						r.Route("/{channelID}", func(r chi.Router) {
							r.Put("/permissions/{targetKind}/{targetID}", func(w http.ResponseWriter, r *http.Request) {
								s.Guilds.HandleWriteChannelOverride(w, r,
									auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"),
									chi.URLParam(r, "targetKind"), chi.URLParam(r, "targetID"))
							})

							r.Route("/messages", func(r chi.Router) {
								r.Post("/", func(w http.ResponseWriter, r *http.Request) {
									s.Messages.HandleCreate(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"))
								})
								r.Get("/", func(w http.ResponseWriter, r *http.Request) {
									s.Messages.HandleHistory(w, r, chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"))
								})

								r.Route("/{messageID}", func(r chi.Router) {
									r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
										s.Messages.HandleEdit(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"))
									})
									r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
										s.Messages.HandleDelete(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"))
									})
									r.Route("/reactions/{emoji}", func(r chi.Router) {
										r.Put("/", func(w http.ResponseWriter, r *http.Request) {
											s.Messages.HandleAddReaction(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"), chi.URLParam(r, "emoji"))
										})
										r.Post("/", func(w http.ResponseWriter, r *http.Request) {
											s.Messages.HandleAddReaction(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"), chi.URLParam(r, "emoji"))
										})
										r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
											s.Messages.HandleRemoveReaction(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "messageID"), chi.URLParam(r, "emoji"))
										})
									})
								})
							})

							r.Route("/attachments", func(r chi.Router) {
								if s.Media != nil {
									r.Post("/", func(w http.ResponseWriter, r *http.Request) {
										s.Messages.HandleCreateAttachment(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"))
									})
									r.Route("/{attachmentID}", func(r chi.Router) {
										r.Get("/", func(w http.ResponseWriter, r *http.Request) {
											s.Messages.HandleGetAttachment(w, r, chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "attachmentID"))
										})
										r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
											s.Messages.HandleDeleteAttachment(w, r, auth.UserIDFromContext(r.Context()), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "attachmentID"))
										})
									})
								} else {
									r.Post("/", stubHandler("create_attachment"))
								}
							})
						})
					})
				})
			})

			r.Route("/voice", func(r chi.Router) {
				r.Post("/{guildID}/{channelID}/token", s.handleVoiceToken)
				r.Get("/{guildID}/{channelID}/participants", s.handleVoiceListParticipants)
				r.Delete("/{guildID}/{channelID}/participants/{identity}", s.handleVoiceRemoveParticipant)
				r.Delete("/{guildID}/{channelID}", s.handleVoiceDeleteRoom)
			})

			if s.Search != nil {
				r.Get("/search/messages", s.handleSearchMessages)
			}
		})
	})
}

// Start begins listening for HTTP requests on the configured address.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.HTTP.Listen,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.Logger.Info("HTTP server starting", slog.String("listen", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("HTTP server shutting down")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Auth handlers ---

// handleRegister always responds 200 {"accepted":true}, whether the
// account was created, the username was already taken, or the request was
// malformed: a differing response here would let a client enumerate
// existing usernames.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiutil.WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
		return
	}

	if err := s.Auth.Register(r.Context(), req); err != nil {
		apiutil.InternalError(w, s.Logger, "register failed", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	tokens, err := s.Auth.Login(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	writeTokenPair(w, http.StatusOK, tokens)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	tokens, err := s.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	writeTokenPair(w, http.StatusOK, tokens)
}

func writeTokenPair(w http.ResponseWriter, status int, tokens auth.TokenPair) {
	apiutil.WriteJSON(w, status, map[string]interface{}{
		"access_token":    tokens.AccessToken,
		"refresh_token":   tokens.RefreshToken,
		"expires_in_secs": tokens.ExpiresInSecs,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req auth.LogoutRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.Auth.Logout(r.Context(), req.RefreshToken); err != nil {
		apiutil.InternalError(w, s.Logger, "logout failed", err)
		return
	}
	apiutil.WriteNoContent(w)
}

// handleMe re-exposes users.Service's own profile view under /auth/me so a
// client can fetch the caller's identity right after authenticating,
// without first having to know its own user id.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.Users.HandleMe(w, r, auth.UserIDFromContext(r.Context()))
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	if authErr, ok := err.(*auth.AuthError); ok {
		apiutil.WriteError(w, authErr.Status, authErr.Code)
		return
	}
	apiutil.InternalError(w, s.Logger, "auth request failed", err)
}

// --- Voice handlers ---

type voiceTokenRequest struct {
	PublishAudio  bool `json:"publish_audio"`
	PublishVideo  bool `json:"publish_video"`
	PublishScreen bool `json:"publish_screen_share"`
	Subscribe     bool `json:"subscribe"`
}

func (s *Server) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	if s.Voice == nil {
		stubHandler("voice_token")(w, r)
		return
	}
	guildID, channelID := chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID")
	viewerID := auth.UserIDFromContext(r.Context())

	var req voiceTokenRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	res, err := s.Resolver.Resolve(r.Context(), viewerID, guildID, channelID)
	if err != nil {
		if err == permissions.ErrForbidden {
			apiutil.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		apiutil.InternalError(w, s.Logger, "resolving voice permissions failed", err)
		return
	}

	var requested []voice.PublishSource
	if req.PublishAudio {
		requested = append(requested, voice.SourceMicrophone)
	}
	if req.PublishVideo {
		requested = append(requested, voice.SourceCamera)
	}
	if req.PublishScreen {
		requested = append(requested, voice.SourceScreenShare)
	}

	result, err := s.Voice.IssueToken(r.Context(), voice.TokenRequest{
		ViewerID:           viewerID,
		GuildID:            guildID,
		ChannelID:          channelID,
		RequestedPublish:   requested,
		RequestedSubscribe: req.Subscribe,
		Permissions: voice.ChannelPermissions{
			CanPublishAudio:       true,
			CanPublishVideo:       permissions.Has(res.Capabilities, permissions.PublishVideo),
			CanPublishScreenShare: permissions.Has(res.Capabilities, permissions.PublishScreenShare),
			CanSubscribe:          permissions.Has(res.Capabilities, permissions.SubscribeStreams),
		},
	})
	if err != nil {
		apiutil.InternalError(w, s.Logger, "issuing voice token failed", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleVoiceListParticipants(w http.ResponseWriter, r *http.Request) {
	if s.Voice == nil {
		stubHandler("voice_participants")(w, r)
		return
	}
	participants, err := s.Voice.ListParticipants(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"))
	if err != nil {
		apiutil.InternalError(w, s.Logger, "listing voice participants failed", err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, participants)
}

func (s *Server) handleVoiceRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	if s.Voice == nil {
		stubHandler("voice_remove_participant")(w, r)
		return
	}
	err := s.Voice.RemoveParticipant(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID"), chi.URLParam(r, "identity"))
	if err != nil {
		apiutil.InternalError(w, s.Logger, "removing voice participant failed", err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) handleVoiceDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if s.Voice == nil {
		stubHandler("voice_delete_room")(w, r)
		return
	}
	if err := s.Voice.DeleteRoom(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "channelID")); err != nil {
		apiutil.InternalError(w, s.Logger, "deleting voice room failed", err)
		return
	}
	apiutil.WriteNoContent(w)
}

// --- Search handler ---

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	max := s.Config.Search.ResultLimitMax
	if max > 0 && limit > max {
		limit = max
	}

	results, err := s.Search.Query(r.Context(), q.Get("guild_id"), q.Get("channel_id"), q.Get("q"), limit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "search query failed", err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, results)
}

// --- Health and metrics ---

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "version": s.Version}

	if err := s.DB.HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = "unhealthy"
	} else {
		status["database"] = "healthy"
	}

	if s.Bus != nil {
		if err := s.Bus.HealthCheck(); err != nil {
			status["status"] = "degraded"
			status["nats"] = "unhealthy"
		} else {
			status["nats"] = "healthy"
		}
	}

	if s.Cache != nil {
		if err := s.Cache.HealthCheck(r.Context()); err != nil {
			status["status"] = "degraded"
			status["cache"] = "unhealthy"
		} else {
			status["cache"] = "healthy"
		}
	}

	httpStatus := http.StatusOK
	if status["status"] != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	apiutil.WriteJSON(w, httpStatus, status)
}

// handleMetrics renders the gateway's counters in Prometheus text exposition
// format. Request-path metrics live on the chi middleware logger instead of
// here, since the gateway is the component whose health is hardest to infer
// from logs alone. Only the dropped and disconnect counters carry a reason
// label; there is no scope or event_type breakdown, and no auth-failure,
// rate-limit-hit or voice-sync-repair counter is exported.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if s.Gateway == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	snap := s.Gateway.MetricsSnapshot()
	fmt.Fprintf(w, "# TYPE filament_gateway_events_emitted_total counter\n")
	fmt.Fprintf(w, "filament_gateway_events_emitted_total %d\n", snap.Emitted)
	fmt.Fprintf(w, "# TYPE filament_gateway_events_dropped_total counter\n")
	fmt.Fprintf(w, "filament_gateway_events_dropped_total{reason=\"closed\"} %d\n", snap.DroppedClosed)
	fmt.Fprintf(w, "filament_gateway_events_dropped_total{reason=\"full_queue\"} %d\n", snap.DroppedFull)
	fmt.Fprintf(w, "# TYPE filament_gateway_events_unknown_received_total counter\n")
	fmt.Fprintf(w, "filament_gateway_events_unknown_received_total %d\n", snap.UnknownReceived)
	fmt.Fprintf(w, "# TYPE filament_gateway_events_parse_rejected_total counter\n")
	fmt.Fprintf(w, "filament_gateway_events_parse_rejected_total %d\n", snap.ParseRejected)
	fmt.Fprintf(w, "# TYPE filament_ws_disconnect_total counter\n")
	for reason, count := range snap.Disconnects {
		fmt.Fprintf(w, "filament_ws_disconnect_total{reason=%q} %d\n", reason, count)
	}
}

// stubHandler returns a handler that responds 501 for a route whose backing
// service was not configured (e.g. voice without LiveKit credentials, or
// attachments without object storage).
func stubHandler(reason string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiutil.WriteError(w, http.StatusNotImplemented, "not_implemented")
	}
}

// maxBodySize limits the request body to the given number of bytes. A
// non-positive limit disables the cap.
func maxBodySize(n int64) func(http.Handler) http.Handler {
	if n <= 0 {
		n = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware returns a chi middleware that sets CORS headers for the
// given allowed origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				isWildcard := len(origins) == 1 && origins[0] == "*"
				if !isWildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
