package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/eventlogger"
	"github.com/pgil256/juntas-seguras-sub003/ledger"
	"github.com/pgil256/juntas-seguras-sub003/logging"
	"github.com/pgil256/juntas-seguras-sub003/metrics"
	"github.com/pgil256/juntas-seguras-sub003/middleware"
	"github.com/pgil256/juntas-seguras-sub003/policy"
	"github.com/pgil256/juntas-seguras-sub003/pool"
	"github.com/pgil256/juntas-seguras-sub003/rotation"
	"github.com/pgil256/juntas-seguras-sub003/session"
	"github.com/pgil256/juntas-seguras-sub003/settlement"
	"github.com/pgil256/juntas-seguras-sub003/storage"
	"github.com/pgil256/juntas-seguras-sub003/user"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	logging.Setup()

	driver := getEnv("DB_DRIVER", storage.DriverPostgres)
	dsn := getEnv("DATABASE_URL", "host=localhost port=5432 user=postgres password=postgres dbname=juntas sslmode=disable")
	port := getEnv("PORT", "5000")

	db, err := storage.Open(driver, dsn)
	if err != nil {
		printErrorAndExit("opening database", err)
	}
	defer db.Close()

	evtlogger := eventlogger.NewSqlEventLogger(db)
	worker := eventlogger.NewWorker(evtlogger, 100)
	worker.Start()
	defer worker.Shutdown()

	userRepo := user.NewRepository(db)
	sessionRepo := session.NewRepository(db)
	poolRepo := pool.NewRepository(db)
	settlementRepo := settlement.NewRepository(db)
	svc := rotation.NewService(
		poolRepo,
		ledger.NewRepository(db),
		settlementRepo,
		worker,
	)

	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(middleware.AuthMiddleware(sessionRepo))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Post("/user/register", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		registered, err := userRepo.Register(ctx, req.Email, req.Password)
		if err != nil {
			switch {
			case errors.Is(err, user.ErrEmailExists):
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.Is(err, user.ErrBlankPassword), errors.Is(err, user.ErrInvalidEmail):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				slog.Error("failed to register user", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		sess, err := sessionRepo.Create(ctx, registered.ID)
		if err != nil {
			slog.Error("failed to create session", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, sess)
		writeJSON(w, http.StatusCreated, registered)
	})

	router.Post("/user/login", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		userdb, err := userRepo.GetByEmail(ctx, req.Email)
		if err != nil {
			slog.Error("failed to fetch user", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if userdb == nil || userRepo.VerifyPassword(userdb.PasswordHash, req.Password) != nil {
			http.Error(w, "invalid email or password", http.StatusUnauthorized)
			return
		}

		sess, err := sessionRepo.Create(ctx, userdb.ID)
		if err != nil {
			slog.Error("failed to create session", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, sess)
		writeJSON(w, http.StatusOK, userdb)
	})

	// Protected routes - require authentication
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth())

		r.Post("/user/logout", func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(session.CookieName)
			if err == nil {
				sessionRepo.Delete(r.Context(), cookie.Value)
			}
			http.SetCookie(w, &http.Cookie{
				Name:   session.CookieName,
				Value:  "",
				Path:   "/",
				MaxAge: -1,
			})
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/user/profile", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			u, err := userRepo.GetByID(r.Context(), userID)
			if err != nil || u == nil {
				slog.Error("failed to fetch user", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, u)
		})

		r.Post("/user/profile/name", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if req.Name == "" {
				http.Error(w, "name can't be empty", http.StatusBadRequest)
				return
			}
			if err := userRepo.UpdateName(r.Context(), userID, req.Name); err != nil {
				slog.Error("failed to update name", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/user/profile/payment-handle", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req struct {
				PaymentHandle string `json:"payment_handle"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := userRepo.UpdatePaymentHandle(r.Context(), userID, req.PaymentHandle); err != nil {
				slog.Error("failed to update payment handle", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			var req struct {
				Name               string   `json:"name"`
				ContributionAmount int64    `json:"contribution_amount"`
				Frequency          string   `json:"frequency"`
				StartDate          string   `json:"start_date"`
				Members            []string `json:"members"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			startDate, err := time.Parse(time.RFC3339, req.StartDate)
			if err != nil {
				http.Error(w, "start_date must be RFC 3339", http.StatusBadRequest)
				return
			}

			p, roster, err := svc.CreatePool(r.Context(), req.Name, req.ContributionAmount, pool.Frequency(req.Frequency), startDate, userID, req.Members)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"pool":    p,
				"members": roster,
			})
		})

		r.Get("/pools/{poolID}", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			p, roster, err := svc.GetPool(r.Context(), poolID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"pool":    p,
				"members": roster,
			})
		})

		r.Get("/pools/{poolID}/round", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			status, err := svc.GetRoundStatus(r.Context(), poolID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		r.Post("/pools/{poolID}/members", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			var req struct {
				DisplayName string `json:"display_name"`
				UserID      string `json:"user_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			memberUserID, _ := uuid.Parse(req.UserID) // optional
			m, err := svc.AddMember(r.Context(), poolID, req.DisplayName, memberUserID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, m)
		})

		r.Post("/pools/{poolID}/members/{memberID}/destination", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			var req struct {
				Destination string `json:"destination"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			m, err := poolRepo.GetMember(r.Context(), memberID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			if m == nil || m.PoolID != poolID {
				writeDomainError(w, pool.ErrMemberNotFound)
				return
			}
			if err := poolRepo.SetPayoutDestination(r.Context(), memberID, req.Destination); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Delete("/pools/{poolID}/members/{memberID}", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			if err := svc.RemoveMember(r.Context(), poolID, memberID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/payments/{memberID}/confirm", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			var req struct {
				Method string `json:"method"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := svc.ConfirmPayment(r.Context(), poolID, memberID, req.Method); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/payments/{memberID}/verify", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			var req struct {
				Notes string `json:"notes"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := svc.VerifyPayment(r.Context(), poolID, memberID, userID, req.Notes); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/payments/{memberID}/miss", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			if err := svc.MarkMissed(r.Context(), poolID, memberID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/payments/{memberID}/excuse", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			var req struct {
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if err := svc.MarkExcused(r.Context(), poolID, memberID, req.Reason); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/payments/{memberID}/remind", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			if err := svc.RecordReminder(r.Context(), poolID, memberID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		// Invoked by the external reminder scheduler when the round timer
		// elapses.
		r.Post("/pools/{poolID}/payments/late", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			flipped, err := svc.MarkLatePayments(r.Context(), poolID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{"marked_late": flipped})
		})

		r.Get("/pools/{poolID}/payout/evaluate", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			d, err := svc.EvaluateInTurnPayout(r.Context(), poolID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, d)
		})

		r.Get("/pools/{poolID}/payout/evaluate-early/{memberID}", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			memberID, ok := parseID(w, r, "memberID")
			if !ok {
				return
			}
			d, err := svc.EvaluateEarlyPayout(r.Context(), poolID, memberID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, d)
		})

		r.Post("/pools/{poolID}/payout/release", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := middleware.GetUserID(r.Context())
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			var req struct {
				Early     bool   `json:"early"`
				Recipient string `json:"recipient_member_id"`
				Reason    string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			var d policy.Decision
			var err error
			if req.Early {
				recipientID, parseErr := uuid.Parse(req.Recipient)
				if parseErr != nil {
					http.Error(w, "recipient_member_id must be a uuid", http.StatusBadRequest)
					return
				}
				d, err = svc.EvaluateEarlyPayout(r.Context(), poolID, recipientID)
			} else {
				d, err = svc.EvaluateInTurnPayout(r.Context(), poolID)
			}
			if err != nil {
				writeDomainError(w, err)
				return
			}
			if !d.Allowed {
				// Ineligibility is a normal result; surface the blockers.
				writeJSON(w, http.StatusOK, d)
				return
			}

			rec, err := svc.ReleasePayout(r.Context(), poolID, d, req.Reason, userID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, rec)
		})

		r.Post("/pools/{poolID}/advance", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			if err := svc.AdvanceRound(r.Context(), poolID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/pause", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			if err := svc.Pause(r.Context(), poolID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/pools/{poolID}/resume", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			if err := svc.Resume(r.Context(), poolID); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/pools/{poolID}/settlements", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			records := make([]settlement.PayoutRecord, 0)
			for rec, err := range settlementRepo.History(r.Context(), poolID) {
				if err != nil {
					slog.Error("failed to read settlement history", "error", err)
					http.Error(w, "internal server error", http.StatusInternalServerError)
					return
				}
				records = append(records, rec)
			}
			writeJSON(w, http.StatusOK, records)
		})

		r.Get("/pools/{poolID}/events", func(w http.ResponseWriter, r *http.Request) {
			poolID, ok := parseID(w, r, "poolID")
			if !ok {
				return
			}
			events, err := evtlogger.GetByPool(r.Context(), poolID)
			if err != nil {
				slog.Error("failed to read events", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, events)
		})
	})

	slog.Info("server starting", "port", port, "driver", driver)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		printErrorAndExit("server stopped", err)
	}
}

func setSessionCookie(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
	})
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, param+" must be a uuid", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeDomainError translates the core's error taxonomy into HTTP statuses.
// The core never formats user-facing text; this is the boundary that does.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrPoolNotFound),
		errors.Is(err, pool.ErrMemberNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, settlement.ErrDuplicatePayout):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, pool.ErrInvalidState),
		errors.Is(err, ledger.ErrRoundAlreadyOpen),
		errors.Is(err, ledger.ErrNoOpenRound),
		errors.Is(err, ledger.ErrRoundClosed),
		errors.Is(err, rotation.ErrRoundNotCollected),
		errors.Is(err, rotation.ErrPayoutNotReleased),
		errors.Is(err, rotation.ErrPayoutNotAllowed),
		errors.Is(err, rotation.ErrStaleDecision):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, pool.ErrEmptyName),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInvalidFrequency),
		errors.Is(err, pool.ErrRosterTooSmall),
		errors.Is(err, policy.ErrUnknownRecipient),
		errors.Is(err, policy.ErrRoundOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("unhandled error", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func printErrorAndExit(msg string, e error) {
	slog.Error(msg, "error", e)
	os.Exit(1)
}
