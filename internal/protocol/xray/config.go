package xray

import (
	"encoding/json"
	"fmt"
)

// Config is the stored V2Ray document. The Xray config is kept verbatim
// so operators can add inbounds and routing the adapter knows nothing about.
type Config struct {
	Config map[string]any `json:"config"`
}

// DefaultConfig has a VLESS inbound on 443 and a VMess-over-WebSocket
// inbound on 8080, both without clients.
func DefaultConfig() Config {
	return Config{Config: map[string]any{
		"log": map[string]any{"loglevel": "warning"},
		"inbounds": []any{
			map[string]any{
				"tag":      "vless-tcp",
				"port":     443,
				"protocol": "vless",
				"settings": map[string]any{
					"clients":    []any{},
					"decryption": "none",
				},
				"streamSettings": map[string]any{
					"network":  "tcp",
					"security": "none",
				},
			},
			map[string]any{
				"tag":      "vmess-ws",
				"port":     8080,
				"protocol": "vmess",
				"settings": map[string]any{
					"clients": []any{},
				},
				"streamSettings": map[string]any{
					"network":    "ws",
					"security":   "none",
					"wsSettings": map[string]any{"path": "/vmess"},
				},
			},
		},
		"outbounds": []any{
			map[string]any{"protocol": "freedom", "tag": "direct"},
			map[string]any{"protocol": "blackhole", "tag": "blocked"},
		},
	}}
}

// inbounds returns the inbound objects of the document. Entries that are
// not objects are skipped.
func (c Config) inbounds() []map[string]any {
	list, _ := c.Config["inbounds"].([]any) //nolint:errcheck // Absent or malformed reads as empty
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if in, ok := item.(map[string]any); ok {
			out = append(out, in)
		}
	}
	return out
}

func str(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func num(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func object(m map[string]any, key string) map[string]any {
	if o, ok := m[key].(map[string]any); ok {
		return o
	}
	o := map[string]any{}
	m[key] = o
	return o
}

// clients returns the settings.clients list of an inbound, creating it.
func clients(in map[string]any) []any {
	settings := object(in, "settings")
	list, ok := settings["clients"].([]any)
	if !ok {
		list = []any{}
		settings["clients"] = list
	}
	return list
}

func setClients(in map[string]any, list []any) {
	object(in, "settings")["clients"] = list
}

// render encodes the Xray document for config.json.
func (c Config) render() ([]byte, error) {
	if len(c.Config) == 0 {
		return nil, fmt.Errorf("empty xray document")
	}
	data, err := json.MarshalIndent(c.Config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding xray document: %w", err)
	}
	return append(data, '\n'), nil
}
