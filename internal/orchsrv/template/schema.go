package template

// stackTemplateSchema validates template files before they are registered in
// the catalog. Files are YAML on disk and converted to JSON for validation.
const stackTemplateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["services"],
  "additionalProperties": false,
  "properties": {
    "version": { "type": "string" },
    "services": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "kind", "image"],
        "additionalProperties": false,
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "kind": { "enum": ["database", "cache", "engine", "dashboard"] },
          "image": { "type": "string", "minLength": 1 },
          "command": { "type": "array", "items": { "type": "string" } },
          "depends_on": { "type": "array", "items": { "type": "string" } },
          "probe": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "kind": { "enum": ["tcp", "http", "exec"] },
              "port": { "type": "integer", "minimum": 1, "maximum": 65535 },
              "path": { "type": "string" }
            }
          },
          "env": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "additionalProperties": false,
              "properties": {
                "name": { "type": "string", "minLength": 1 },
                "value": { "type": "string" },
                "secret": { "type": "string" }
              }
            }
          },
          "volumes": { "type": "array", "items": { "type": "string" } },
          "cpu_fraction": { "type": "number", "minimum": 0, "maximum": 1 },
          "memory_fraction": { "type": "number", "minimum": 0, "maximum": 1 }
        }
      }
    }
  }
}`
