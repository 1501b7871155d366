package params

const intervalSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"min_seconds": {"type": "integer", "minimum": 0, "maximum": 86400},
		"max_seconds": {"type": "integer", "minimum": 0, "maximum": 86400}
	}
}`

const friendAddSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["targets"],
	"properties": {
		"targets": {
			"type": "array",
			"minItems": 1,
			"maxItems": 1000,
			"items": {"type": "string", "maxLength": 64}
		},
		"greeting": {"type": "string", "maxLength": 500},
		"daily_limit": {"type": "integer", "minimum": 0, "maximum": 500},
		"interval": ` + intervalSchema + `
	}
}`

const contentPushSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"text": {"type": "string", "maxLength": 5000},
		"images": {
			"type": "array",
			"maxItems": 9,
			"items": {"type": "string", "maxLength": 1024}
		},
		"audience": {
			"type": "array",
			"items": {"type": "string", "maxLength": 128}
		},
		"interval": ` + intervalSchema + `
	}
}`

const productReleaseSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["product_id"],
	"properties": {
		"product_id": {"type": "integer", "minimum": 1},
		"quantity": {"type": "integer", "minimum": 0, "maximum": 10000},
		"title": {"type": "string", "maxLength": 255},
		"price_cents": {"type": "integer", "minimum": 0}
	}
}`

const messageReplyCloseSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"conversations": {
			"type": "array",
			"items": {"type": "string", "maxLength": 128}
		},
		"auto_reply": {"type": "string", "maxLength": 500}
	}
}`

const liveScrapeSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["room_url"],
	"properties": {
		"room_url": {"type": "string", "minLength": 1, "maxLength": 1024},
		"duration_minutes": {"type": "integer", "minimum": 0, "maximum": 720},
		"max_users": {"type": "integer", "minimum": 0, "maximum": 5000},
		"keywords": {
			"type": "array",
			"items": {"type": "string", "maxLength": 64}
		}
	}
}`
