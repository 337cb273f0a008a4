// Package docs holds the OpenAPI description served at /swagger in dev mode.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "Bearer": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"Bearer": []}],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["auth"],
                "summary": "Exchange credentials for a JWT",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}],
                "responses": {"200": {"description": "token issued"}, "401": {"description": "UNAUTHORIZED"}}
            }
        },
        "/auth/register": {
            "post": {
                "tags": ["auth"],
                "summary": "Create an account (admin only)",
                "responses": {"201": {"description": "created"}, "409": {"description": "CONFLICT"}}
            }
        },
        "/sessions": {
            "post": {
                "tags": ["sessions"],
                "summary": "Open an attendance session (faculty)",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/CreateSessionRequest"}}],
                "responses": {
                    "201": {"description": "session opened", "schema": {"$ref": "#/definitions/CreateSessionResponse"}},
                    "400": {"description": "INVALID_ARGUMENT / ROSTER_UNAVAILABLE"},
                    "401": {"description": "UNAUTHORIZED"}
                }
            }
        },
        "/sessions/{session_id}": {
            "get": {
                "tags": ["sessions"],
                "summary": "Session state with present/absent counts",
                "parameters": [{"in": "path", "name": "session_id", "type": "string", "required": true}],
                "responses": {"200": {"description": "ok"}, "404": {"description": "NOT_FOUND"}}
            }
        },
        "/sessions/{session_id}/records": {
            "get": {
                "tags": ["sessions"],
                "summary": "Per-student attendance records",
                "parameters": [{"in": "path", "name": "session_id", "type": "string", "required": true}],
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/sessions/{session_id}/report.csv": {
            "get": {
                "tags": ["sessions"],
                "summary": "CSV export",
                "produces": ["text/csv"],
                "parameters": [
                    {"in": "path", "name": "session_id", "type": "string", "required": true},
                    {"in": "query", "name": "encoding", "type": "string", "enum": ["utf8", "sjis"]},
                    {"in": "query", "name": "header", "type": "boolean"}
                ],
                "responses": {"200": {"description": "csv body"}}
            }
        },
        "/sessions/{session_id}/close": {
            "post": {
                "tags": ["sessions"],
                "summary": "Close the session (idempotent)",
                "parameters": [{"in": "path", "name": "session_id", "type": "string", "required": true}],
                "responses": {"200": {"description": "closed"}, "404": {"description": "NOT_FOUND"}}
            }
        },
        "/sessions/{session_id}/scan": {
            "post": {
                "tags": ["scan"],
                "summary": "Mark the calling student present",
                "parameters": [
                    {"in": "path", "name": "session_id", "type": "string", "required": true},
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/ScanRequest"}}
                ],
                "responses": {
                    "200": {"description": "Attendance marked successfully"},
                    "404": {"description": "INVALID_TOKEN / SESSION_CLOSED / STUDENT_NOT_ENROLLED"},
                    "409": {"description": "DUPLICATE_MARK"},
                    "410": {"description": "EXPIRED_TOKEN"}
                }
            }
        },
        "/live": {
            "get": {
                "tags": ["live"],
                "summary": "WebSocket feed of ATTENDANCE_UPDATE / TOKEN_ROTATED / SESSION_CLOSED",
                "parameters": [{"in": "query", "name": "sessionId", "type": "array", "items": {"type": "string"}, "collectionFormat": "multi", "required": true}],
                "responses": {"101": {"description": "switching protocols"}}
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "properties": {"id": {"type": "string"}, "password": {"type": "string"}}
        },
        "CreateSessionRequest": {
            "type": "object",
            "required": ["classId", "subjectId", "period"],
            "properties": {"classId": {"type": "string"}, "subjectId": {"type": "string"}, "period": {"type": "string"}}
        },
        "CreateSessionResponse": {
            "type": "object",
            "properties": {
                "sessionId": {"type": "string"},
                "token": {"type": "string"},
                "expiresAt": {"type": "string", "format": "date-time"},
                "closesAt": {"type": "string", "format": "date-time"}
            }
        },
        "ScanRequest": {
            "type": "object",
            "required": ["token"],
            "properties": {"token": {"type": "string"}, "studentId": {"type": "string"}, "scannedAt": {"type": "string"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{"https"},
	Title:            "SCAA attendance API",
	Description:      "Live QR attendance sessions.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
