package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tiger/blackbox-orchestrator/internal/runtime/funccall"
)

// Actions executes validated function calls against the store and returns a
// short sentence describing the effect.
type Actions struct {
	store *Store
}

// NewActions binds function execution to s.
func NewActions(s *Store) *Actions {
	return &Actions{store: s}
}

// Execute runs call on behalf of userID. Only calls that passed validation
// may reach this point.
func (a *Actions) Execute(ctx context.Context, userID string, call funccall.FunctionCall) (string, error) {
	str := func(name string) string { return call.Arguments[name].String }
	switch call.Name {
	case funccall.FuncSetReminder:
		r, err := a.store.CreateReminder(ctx, Reminder{
			UserID:      userID,
			Title:       str("title"),
			Description: str("description"),
			DueAt:       call.Arguments["due_at"].Time,
			Recurring:   str("recurring"),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Reminder set: %s, %s.", r.Title, r.DueAt.Local().Format("Monday January 2 at 3:04 PM")), nil

	case funccall.FuncCompleteReminder:
		n := call.Arguments["reminder_id"].Number
		if n != math.Trunc(n) || n < 1 {
			return "", fmt.Errorf("reminder_id must be a positive integer")
		}
		r, err := a.store.CompleteReminder(ctx, userID, int64(n))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Marked %s as done.", r.Title), nil

	case funccall.FuncAccessVault:
		return a.vault(ctx, userID, str("action"), str("passphrase"), str("item"), str("content"))

	case funccall.FuncPlayMedia:
		return fmt.Sprintf("Playing %s: %s.", str("media_type"), str("query")), nil

	default:
		return "", fmt.Errorf("no action bound to function %q", call.Name)
	}
}

func (a *Actions) vault(ctx context.Context, userID, action, passphrase, item, content string) (string, error) {
	switch action {
	case "list":
		items, err := a.store.VaultList(ctx, userID, passphrase)
		if errors.Is(err, ErrVaultEmpty) {
			return "Your vault is empty.", nil
		}
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "Your vault is empty.", nil
		}
		return fmt.Sprintf("Your vault holds %d items: %s.", len(items), strings.Join(items, ", ")), nil
	case "get":
		if item == "" {
			return "", fmt.Errorf("vault get requires an item")
		}
		return a.store.VaultGet(ctx, userID, passphrase, item)
	case "put":
		if item == "" || content == "" {
			return "", fmt.Errorf("vault put requires item and content")
		}
		if err := a.store.VaultPut(ctx, userID, passphrase, item, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("Saved %s to your vault.", item), nil
	case "delete":
		if item == "" {
			return "", fmt.Errorf("vault delete requires an item")
		}
		if err := a.store.VaultDelete(ctx, userID, passphrase, item); err != nil {
			return "", err
		}
		return fmt.Sprintf("Removed %s from your vault.", item), nil
	default:
		return "", fmt.Errorf("unsupported vault action %q", action)
	}
}
