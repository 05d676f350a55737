package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

// timeParam reads an RFC 3339 timestamp param.
func timeParam(params map[string]any, key string) (time.Time, error) {
	raw, err := requireStr(params, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domainErrf("param %q is not an RFC 3339 timestamp: %v", key, err)
	}
	return t.UTC(), nil
}

func registerClasses(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	bindings := map[string]dispatch.Handler{
		"class.query.list": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classes, err := store.ListClasses(ctx, req.TenantID)
			if err != nil {
				return nil, err
			}
			type classWithFill struct {
				persistence.Class
				FillRate float64 `json:"fill_rate"`
			}
			out := make([]classWithFill, 0, len(classes))
			for _, c := range classes {
				fill := 0.0
				if c.Capacity > 0 {
					fill = float64(c.Enrolled) / float64(c.Capacity)
				}
				out = append(out, classWithFill{Class: c, FillRate: fill})
			}
			return result(fmt.Sprintf("%d classes", len(out)), out), nil
		},

		"class.query.roster": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			roster, err := store.ClassRoster(ctx, req.TenantID, classID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students in class %s", len(roster), classID), roster), nil
		},

		"schedule.query.today": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			day, _ := time.Parse("2006-01-02", dateParam(req.Params, "date"))
			sessions, err := store.SessionsBetween(ctx, req.TenantID, day, day.AddDate(0, 0, 1))
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d sessions on %s", len(sessions), day.Format("2006-01-02")), sessions), nil
		},

		"schedule.query.by_teacher": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			teacher, err := requireStr(req.Params, "teacher")
			if err != nil {
				return nil, err
			}
			from := time.Now().UTC()
			if raw := strParam(req.Params, "from", ""); raw != "" {
				parsed, parseErr := time.Parse("2006-01-02", raw)
				if parseErr != nil {
					return nil, domainErrf("param %q is not a date: %v", "from", parseErr)
				}
				from = parsed
			}
			sessions, err := store.SessionsByTeacher(ctx, req.TenantID, teacher, from)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d sessions for %s", len(sessions), teacher), sessions), nil
		},

		"schedule.query.by_class": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			sessions, err := store.SessionsByClass(ctx, req.TenantID, classID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d sessions for class %s", len(sessions), classID), sessions), nil
		},

		"schedule.query.export_timetable": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			fromStr, toStr := rangeParams(req.Params)
			from, _ := time.Parse("2006-01-02", fromStr)
			to, _ := time.Parse("2006-01-02", toStr)
			sessions, err := store.SessionsBetween(ctx, req.TenantID, from, to.AddDate(0, 0, 1))
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			w := csv.NewWriter(&sb)
			_ = w.Write([]string{"session_id", "class", "teacher", "starts_at", "status"})
			for _, s := range sessions {
				_ = w.Write([]string{s.ID, s.ClassName, s.Teacher, s.StartsAt.Format(time.RFC3339), s.Status})
			}
			w.Flush()
			return result(fmt.Sprintf("timetable %s to %s, %d sessions", fromStr, toStr, len(sessions)),
				map[string]any{"format": "csv", "data": sb.String()}), nil
		},

		"schedule.exec.notify_change": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			change, err := requireStr(req.Params, "change")
			if err != nil {
				return nil, err
			}
			roster, err := store.ClassRoster(ctx, req.TenantID, classID)
			if err != nil {
				return nil, err
			}
			deliveries := guardianDeliveries(roster, func(st persistence.Student) string {
				return fmt.Sprintf("Session change for %s: %s", st.Name, change)
			})
			if len(deliveries) == 0 {
				return nil, domainErrf("class %s has no reachable guardians", classID)
			}
			return deliver(ctx, deps, req.TenantID, "guardian", "session change", deliveries)
		},

		"class.exec.create": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			name, err := requireStr(req.Params, "name")
			if err != nil {
				return nil, err
			}
			c := &persistence.Class{
				TenantID: req.TenantID,
				Name:     name,
				Teacher:  strParam(req.Params, "teacher", ""),
				Capacity: intParam(req.Params, "capacity", 0),
			}
			if err := store.InsertClass(ctx, c); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("created class %s", c.Name), c), nil
		},

		"class.exec.update": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			current, err := store.GetClass(ctx, req.TenantID, classID)
			if err != nil {
				return nil, domainErr(err)
			}
			name := strParam(req.Params, "name", current.Name)
			teacher := strParam(req.Params, "teacher", current.Teacher)
			capacity := intParam(req.Params, "capacity", current.Capacity)
			if err := store.UpdateClass(ctx, req.TenantID, classID, name, teacher, capacity); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("updated class %s", classID),
				map[string]any{"class_id": classID, "name": name, "teacher": teacher, "capacity": capacity}), nil
		},

		"class.exec.close": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			if err := store.CloseClass(ctx, req.TenantID, classID); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("closed class %s", classID),
				map[string]any{"class_id": classID}), nil
		},

		"class.exec.bulk_reassign_teacher": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, err := requireStr(req.Params, "from_teacher")
			if err != nil {
				return nil, err
			}
			to, err := requireStr(req.Params, "to_teacher")
			if err != nil {
				return nil, err
			}
			moved, err := store.ReassignTeacher(ctx, req.TenantID, from, to)
			if err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("moved %d classes from %s to %s", moved, from, to),
				Payload:      map[string]any{"moved": moved},
				SuccessCount: int(moved),
			}, nil
		},

		"schedule.exec.add_session": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			startsAt, err := timeParam(req.Params, "starts_at")
			if err != nil {
				return nil, err
			}
			if _, err := store.GetClass(ctx, req.TenantID, classID); err != nil {
				return nil, domainErr(err)
			}
			sess := &persistence.Session{
				TenantID: req.TenantID,
				ClassID:  classID,
				StartsAt: startsAt,
			}
			if err := store.InsertSession(ctx, sess); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("session added for class %s at %s", classID, startsAt.Format(time.RFC3339)), sess), nil
		},

		"schedule.exec.move_session": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			sessionID, err := requireStr(req.Params, "session_id")
			if err != nil {
				return nil, err
			}
			startsAt, err := timeParam(req.Params, "starts_at")
			if err != nil {
				return nil, err
			}
			if err := store.MoveSession(ctx, req.TenantID, sessionID, startsAt); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("moved session %s to %s", sessionID, startsAt.Format(time.RFC3339)),
				map[string]any{"session_id": sessionID, "starts_at": startsAt}), nil
		},

		"schedule.exec.cancel_session": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			sessionID, err := requireStr(req.Params, "session_id")
			if err != nil {
				return nil, err
			}
			if err := store.CancelSession(ctx, req.TenantID, sessionID); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("cancelled session %s", sessionID),
				map[string]any{"session_id": sessionID}), nil
		},

		"schedule.exec.bulk_shift": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, err := timeParam(req.Params, "from")
			if err != nil {
				return nil, err
			}
			to, err := timeParam(req.Params, "to")
			if err != nil {
				return nil, err
			}
			offsetMin := intParam(req.Params, "offset_minutes", 0)
			if offsetMin == 0 {
				return nil, domainErrf("missing required param %q", "offset_minutes")
			}
			shifted, err := store.ShiftSessions(ctx, req.TenantID, from, to,
				time.Duration(offsetMin)*time.Minute)
			if err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("shifted %d sessions by %d minutes", shifted, offsetMin),
				Payload:      map[string]any{"shifted": shifted, "offset_minutes": offsetMin},
				SuccessCount: int(shifted),
			}, nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}
