package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

func registerStudents(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	transition := func(from, to persistence.StudentStatus) dispatch.Handler {
		return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			if err := store.TransitionStudent(ctx, req.TenantID, studentID, from, to); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("student %s moved %s -> %s", studentID, from, to),
				map[string]any{"student_id": studentID, "status": to}), nil
		}
	}

	bindings := map[string]dispatch.Handler{
		"student.query.search": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			q, err := requireStr(req.Params, "query")
			if err != nil {
				return nil, err
			}
			limit := intParam(req.Params, "limit", 50)
			students, err := store.SearchStudents(ctx, req.TenantID, q, limit)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students match %q", len(students), q), students), nil
		},

		"student.query.profile": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			st, err := store.GetStudent(ctx, req.TenantID, studentID)
			if err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("profile for %s", st.Name), st), nil
		},

		"student.query.status_list": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			status := strParam(req.Params, "status", string(persistence.StudentActive))
			students, err := store.StudentsByStatus(ctx, req.TenantID, persistence.StudentStatus(status))
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d %s students", len(students), status), students), nil
		},

		"student.query.missing_guardian_contact": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			students, err := store.StudentsMissingGuardianContact(ctx, req.TenantID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students missing guardian contact", len(students)), students), nil
		},

		"student.query.duplicates_suspected": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			students, err := store.SuspectedDuplicateStudents(ctx, req.TenantID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d suspected duplicate records", len(students)), students), nil
		},

		"student.query.onboarding_needed": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			// Onboarding gaps surface as active students with no class or no
			// guardian contact yet.
			students, err := store.StudentsByStatus(ctx, req.TenantID, persistence.StudentActive)
			if err != nil {
				return nil, err
			}
			var pending []persistence.Student
			for _, st := range students {
				if st.ClassID == "" || st.GuardianPhone == "" {
					pending = append(pending, st)
				}
			}
			return result(fmt.Sprintf("%d students need onboarding steps", len(pending)), pending), nil
		},

		"student.query.data_quality_scan": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			issues, err := dataQualityScan(ctx, store, req.TenantID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d data-quality issues", len(issues)), issues), nil
		},

		"student.exec.send_welcome_message": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			deliveries := guardianDeliveries([]persistence.Student{*st}, func(s persistence.Student) string {
				return fmt.Sprintf("Welcome! %s is now enrolled. We will be in touch with class details.", s.Name)
			})
			if len(deliveries) == 0 {
				return nil, domainErrf("student %s has no guardian contact", st.ID)
			}
			return deliver(ctx, deps, req.TenantID, "guardian", "welcome", deliveries)
		},

		"student.exec.request_documents_message": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			docs := strParam(req.Params, "documents", "the enrollment documents")
			deliveries := guardianDeliveries([]persistence.Student{*st}, func(s persistence.Student) string {
				return fmt.Sprintf("Please send %s for %s at your earliest convenience.", docs, s.Name)
			})
			if len(deliveries) == 0 {
				return nil, domainErrf("student %s has no guardian contact", st.ID)
			}
			return deliver(ctx, deps, req.TenantID, "guardian", "documents needed", deliveries)
		},

		"student.exec.register": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			name, err := requireStr(req.Params, "name")
			if err != nil {
				return nil, err
			}
			st := &persistence.Student{
				TenantID:      req.TenantID,
				Name:          name,
				ClassID:       strParam(req.Params, "class_id", ""),
				GuardianPhone: strParam(req.Params, "guardian_phone", ""),
				Tags:          strParam(req.Params, "tags", ""),
			}
			if err := store.InsertStudent(ctx, st); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("registered %s", st.Name), st), nil
		},

		"student.exec.update_profile": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			fields, _ := req.Params["fields"].(map[string]any)
			if len(fields) == 0 {
				return nil, domainErrf("missing required param %q", "fields")
			}
			if err := store.UpdateStudentFields(ctx, req.TenantID, studentID, fields); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("updated %d fields on %s", len(fields), studentID),
				map[string]any{"student_id": studentID, "fields": fields}), nil
		},

		"student.exec.change_class": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			if _, err := store.GetClass(ctx, req.TenantID, classID); err != nil {
				return nil, domainErr(err)
			}
			if err := store.UpdateStudentFields(ctx, req.TenantID, studentID,
				map[string]any{"class_id": classID}); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("moved %s to class %s", studentID, classID),
				map[string]any{"student_id": studentID, "class_id": classID}), nil
		},

		"student.exec.pause":     transition(persistence.StudentActive, persistence.StudentPaused),
		"student.exec.resume":    transition(persistence.StudentPaused, persistence.StudentActive),
		"student.exec.discharge": dischargeHandler(store),
		"student.exec.reactivate_from_discharged": transition(persistence.StudentDischarged, persistence.StudentActive),

		"student.exec.merge_duplicates": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			keepID, err := requireStr(req.Params, "keep_id")
			if err != nil {
				return nil, err
			}
			dropIDs := strSlice(req.Params, "drop_ids")
			if len(dropIDs) == 0 {
				return nil, domainErrf("missing required param %q", "drop_ids")
			}
			if err := store.MergeStudents(ctx, req.TenantID, keepID, dropIDs); err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("merged %d duplicates into %s", len(dropIDs), keepID),
				Payload:      map[string]any{"keep_id": keepID, "merged": len(dropIDs)},
				SuccessCount: len(dropIDs),
			}, nil
		},

		"student.exec.update_guardian_contact": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			phone, err := requireStr(req.Params, "guardian_phone")
			if err != nil {
				return nil, err
			}
			if err := store.UpdateStudentFields(ctx, req.TenantID, studentID,
				map[string]any{"guardian_phone": phone}); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("guardian contact updated for %s", studentID),
				map[string]any{"student_id": studentID}), nil
		},

		"student.exec.assign_tags": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			tags := strSlice(req.Params, "tags")
			if len(tags) == 0 {
				return nil, domainErrf("missing required param %q", "tags")
			}
			ids := strSlice(req.Params, "student_ids")
			if id := strParam(req.Params, "student_id", ""); id != "" {
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				return nil, domainErrf("missing required param %q", "student_ids")
			}
			joined := strings.Join(tags, ",")
			for _, id := range ids {
				if err := store.UpdateStudentFields(ctx, req.TenantID, id,
					map[string]any{"tags": joined}); err != nil {
					return nil, domainErr(err)
				}
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("tagged %d students with %s", len(ids), joined),
				Payload:      map[string]any{"student_ids": ids, "tags": tags},
				SuccessCount: len(ids),
			}, nil
		},

		"student.exec.bulk_register": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			rows, _ := req.Params["students"].([]any)
			if len(rows) == 0 {
				return nil, domainErrf("missing required param %q", "students")
			}
			created := 0
			for _, raw := range rows {
				row, ok := raw.(map[string]any)
				if !ok {
					return nil, domainErrf("student entry %d is not an object", created)
				}
				name, ok := row["name"].(string)
				if !ok || name == "" {
					return nil, domainErrf("student entry %d has no name", created)
				}
				st := &persistence.Student{
					TenantID:      req.TenantID,
					Name:          name,
					ClassID:       strParam(row, "class_id", ""),
					GuardianPhone: strParam(row, "guardian_phone", ""),
				}
				if err := store.InsertStudent(ctx, st); err != nil {
					return nil, domainErr(err)
				}
				created++
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("registered %d students", created),
				Payload:      map[string]any{"created": created},
				SuccessCount: created,
			}, nil
		},

		"student.exec.bulk_update": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			ids := strSlice(req.Params, "student_ids")
			if len(ids) == 0 {
				return nil, domainErrf("missing required param %q", "student_ids")
			}
			fields, _ := req.Params["fields"].(map[string]any)
			if len(fields) == 0 {
				return nil, domainErrf("missing required param %q", "fields")
			}
			for _, id := range ids {
				if err := store.UpdateStudentFields(ctx, req.TenantID, id, fields); err != nil {
					return nil, domainErr(err)
				}
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("updated %d students", len(ids)),
				Payload:      map[string]any{"updated": len(ids)},
				SuccessCount: len(ids),
			}, nil
		},

		"student.exec.data_quality_apply_fix": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			fix, _ := req.Params["fix"].(map[string]any)
			if len(fix) == 0 {
				return nil, domainErrf("missing required param %q", "fix")
			}
			if err := store.UpdateStudentFields(ctx, req.TenantID, studentID, fix); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("applied fix to %s", studentID),
				map[string]any{"student_id": studentID, "fix": fix}), nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

func dischargeHandler(store *persistence.Store) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
		studentID, err := requireStr(req.Params, "student_id")
		if err != nil {
			return nil, err
		}
		st, err := store.GetStudent(ctx, req.TenantID, studentID)
		if err != nil {
			return nil, domainErr(err)
		}
		// Discharge is legal from both active and paused.
		if err := store.TransitionStudent(ctx, req.TenantID, studentID, st.Status, persistence.StudentDischarged); err != nil {
			return nil, domainErr(err)
		}
		return result(fmt.Sprintf("discharged %s", st.Name),
			map[string]any{"student_id": studentID, "status": persistence.StudentDischarged}), nil
	}
}

func studentFromParams(ctx context.Context, store *persistence.Store, req dispatch.Request) (*persistence.Student, error) {
	studentID, err := requireStr(req.Params, "student_id")
	if err != nil {
		return nil, err
	}
	st, err := store.GetStudent(ctx, req.TenantID, studentID)
	if err != nil {
		return nil, domainErr(err)
	}
	return st, nil
}

// strSlice reads a []string param tolerating JSON's []any decoding.
func strSlice(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// dataQualityIssue is one finding from the scan.
type dataQualityIssue struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Issue     string `json:"issue"`
}

func dataQualityScan(ctx context.Context, store *persistence.Store, tenantID string) ([]dataQualityIssue, error) {
	var issues []dataQualityIssue

	missing, err := store.StudentsMissingGuardianContact(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, st := range missing {
		issues = append(issues, dataQualityIssue{StudentID: st.ID, Name: st.Name, Issue: "no guardian contact"})
	}

	dupes, err := store.SuspectedDuplicateStudents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, st := range dupes {
		issues = append(issues, dataQualityIssue{StudentID: st.ID, Name: st.Name, Issue: "suspected duplicate"})
	}

	active, err := store.StudentsByStatus(ctx, tenantID, persistence.StudentActive)
	if err != nil {
		return nil, err
	}
	for _, st := range active {
		if st.ClassID == "" {
			issues = append(issues, dataQualityIssue{StudentID: st.ID, Name: st.Name, Issue: "active with no class"})
		}
	}
	return issues, nil
}
