package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ragpile/ragpile/pkg/ragpile/store"
)

// bookkeepingIntegration holds session state, not a linked platform.
const bookkeepingIntegration = "assistant"

// ProfileTool reports the calling user's profile and which chat
// platforms their account is linked to. Read-only.
func ProfileTool(st store.Store) Tool {
	return Tool{
		Name:        "user_profile",
		Description: "Look up the current user's profile: display name, email, and the chat platforms linked to the account. Takes no arguments.",
		Run: func(ctx context.Context, userID string, _ map[string]any) (string, error) {
			u, err := st.GetUser(ctx, userID)
			if err != nil {
				return "", fmt.Errorf("load user: %w", err)
			}

			var linked []string
			for name, settings := range u.Integrations {
				if name == bookkeepingIntegration || len(settings) == 0 {
					continue
				}
				linked = append(linked, name)
			}
			sort.Strings(linked)

			var b strings.Builder
			name := u.Name
			if name == "" {
				name = "(not set)"
			}
			fmt.Fprintf(&b, "Name: %s\n", name)
			if u.Email != "" {
				fmt.Fprintf(&b, "Email: %s\n", u.Email)
			}
			if len(linked) == 0 {
				b.WriteString("Linked platforms: none")
			} else {
				fmt.Fprintf(&b, "Linked platforms: %s", strings.Join(linked, ", "))
			}
			return b.String(), nil
		},
	}
}
