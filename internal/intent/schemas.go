package intent

// paramsSchemas holds JSON Schemas for intents whose params are worth
// rejecting early. Intents without an entry accept any params; their
// handlers validate what they read.
var paramsSchemas = map[string]string{
	"attendance.query.late": `{
		"type": "object",
		"properties": {
			"date":     {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
			"class_id": {"type": "string"}
		},
		"additionalProperties": true
	}`,

	"attendance.exec.notify_guardians_absent": `{
		"type": "object",
		"properties": {
			"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
		},
		"additionalProperties": true
	}`,

	"attendance.exec.correct_record": `{
		"type": "object",
		"required": ["student_id", "date", "status"],
		"properties": {
			"student_id": {"type": "string", "minLength": 1},
			"date":       {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
			"status":     {"type": "string", "enum": ["present", "late", "absent", "excused", "early_leave"]}
		}
	}`,

	"billing.query.overdue_month": `{
		"type": "object",
		"properties": {
			"month": {"type": "string", "pattern": "^\\d{4}-\\d{2}$"}
		},
		"additionalProperties": true
	}`,

	"billing.exec.issue_invoices": `{
		"type": "object",
		"required": ["month"],
		"properties": {
			"month": {"type": "string", "pattern": "^\\d{4}-\\d{2}$"}
		}
	}`,

	"billing.exec.apply_discount": `{
		"type": "object",
		"required": ["invoice_id", "amount"],
		"properties": {
			"invoice_id": {"type": "string", "minLength": 1},
			"amount":     {"type": "number", "exclusiveMinimum": 0},
			"reason":     {"type": "string"}
		}
	}`,

	"student.exec.register": `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name":           {"type": "string", "minLength": 1},
			"class_id":       {"type": "string"},
			"guardian_phone": {"type": "string"}
		}
	}`,

	"message.exec.send_to_guardian": `{
		"type": "object",
		"required": ["student_id", "body"],
		"properties": {
			"student_id": {"type": "string", "minLength": 1},
			"body":       {"type": "string", "minLength": 1}
		}
	}`,

	"policy.exec.enable_automation": `{
		"type": "object",
		"required": ["target", "enabled"],
		"properties": {
			"target":  {"type": "string", "minLength": 1},
			"kind":    {"type": "string", "enum": ["event", "action"]},
			"enabled": {"type": "boolean"}
		}
	}`,

	"policy.exec.update_threshold": `{
		"type": "object",
		"required": ["policy_key", "field", "value"],
		"properties": {
			"policy_key": {"type": "string", "minLength": 1},
			"field":      {"type": "string", "minLength": 1},
			"value":      {"type": "number"}
		}
	}`,
}
