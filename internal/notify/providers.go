package notify

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Provider describes how to build a Shoutrrr URL for one service from
// plain key=value fields.
type Provider struct {
	Type     string
	Label    string
	Required []string
	Optional []string
	build    func(f map[string]string) string
}

var providers = map[string]Provider{
	"telegram": {
		Type: "telegram", Label: "Telegram",
		Required: []string{"bot_token", "chat_id"},
		Optional: []string{"thread_id"},
		// telegram://token@telegram?chats=@channel[:thread]
		build: func(f map[string]string) string {
			chat := f["chat_id"]
			if f["thread_id"] != "" {
				chat += ":" + f["thread_id"]
			}
			return fmt.Sprintf("telegram://%s@telegram?chats=%s", f["bot_token"], url.QueryEscape(chat))
		},
	},
	"discord": {
		Type: "discord", Label: "Discord",
		Required: []string{"webhook_url"},
		Optional: []string{"username"},
		// discord://token@webhookid[?username=...]
		build: func(f map[string]string) string {
			parts := strings.Split(strings.TrimRight(f["webhook_url"], "/"), "/")
			token, id := parts[len(parts)-1], ""
			if len(parts) > 1 {
				id = parts[len(parts)-2]
			}
			u := fmt.Sprintf("discord://%s@%s", token, id)
			if f["username"] != "" {
				u += "?username=" + url.QueryEscape(f["username"])
			}
			return u
		},
	},
	"slack": {
		Type: "slack", Label: "Slack",
		Required: []string{"webhook_url"},
		// slack://hook:T.../B.../...
		build: func(f map[string]string) string {
			path := strings.TrimPrefix(f["webhook_url"], "https://hooks.slack.com/services/")
			return "slack://hook:" + strings.ReplaceAll(strings.Trim(path, "/"), "/", "-")
		},
	},
	"gotify": {
		Type: "gotify", Label: "Gotify",
		Required: []string{"server_url", "app_token"},
		Optional: []string{"priority"},
		// gotify://host[:port]/token[?priority=N]
		build: func(f map[string]string) string {
			host := strings.TrimPrefix(strings.TrimPrefix(f["server_url"], "https://"), "http://")
			u := fmt.Sprintf("gotify://%s/%s", strings.TrimRight(host, "/"), f["app_token"])
			if f["priority"] != "" {
				u += "?priority=" + url.QueryEscape(f["priority"])
			}
			return u
		},
	},
	"generic": {
		Type: "generic", Label: "Generic webhook",
		Required: []string{"webhook_url"},
		// generic+https://example.com/path
		build: func(f map[string]string) string {
			u := f["webhook_url"]
			switch {
			case strings.HasPrefix(u, "generic+"), strings.HasPrefix(u, "generic://"):
				return u
			case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"):
				return "generic+" + u
			}
			return "generic+https://" + u
		},
	},
}

// Providers returns the supported provider types in sorted order.
func Providers() []string {
	out := make([]string, 0, len(providers))
	for k := range providers {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// GetProvider looks up a provider definition.
func GetProvider(serviceType string) (Provider, bool) {
	p, ok := providers[serviceType]
	return p, ok
}

// BuildURL validates fields for serviceType and returns its Shoutrrr URL.
func BuildURL(serviceType string, fields map[string]string) (string, error) {
	p, ok := providers[serviceType]
	if !ok {
		return "", fmt.Errorf("unknown provider %q (known: %s)", serviceType, strings.Join(Providers(), ", "))
	}
	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		clean[k] = strings.TrimSpace(v)
	}
	var missing []string
	for _, k := range p.Required {
		if clean[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%s: missing required field(s) %s", p.Label, strings.Join(missing, ", "))
	}
	return p.build(clean), nil
}

// ParseFields turns key=value arguments into a field map.
func ParseFields(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}
