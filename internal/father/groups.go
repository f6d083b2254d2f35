package father

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
)

// newGroup validates a fresh credential and boots a relay for it. Recreating
// a disabled group needs a fresh token, so the old row stays as guidance.
func (f *Father) newGroup(ctx context.Context, u *store.User, token string) error {
	if _, err := f.eval.ValidateUser(ctx, u, []store.UserRole{store.UserBanned}, true, true); err != nil {
		return err
	}
	if !tokenRe.MatchString(token) {
		return store.Operationf("that does not look like a bot token, get one from @BotFather")
	}
	if g, err := f.store.GroupByToken(ctx, token); err == nil {
		if g.Disabled {
			return store.Operationf("this group was disabled; revoke the token in @BotFather and send me the new one")
		}
		return store.Operationf("this bot already hosts a group")
	} else if err != store.ErrNotFound {
		return err
	}

	r, err := f.fleet.StartGroupBot(ctx, token, u)
	if err != nil {
		return fmt.Errorf("boot new relay: %w", err)
	}
	g := r.Group()
	link := "@" + g.Handle
	if g.Handle == "" {
		link = fmt.Sprintf("bot %d", g.UID)
	}
	_, _ = f.client.SendText(ctx, u.UID,
		fmt.Sprintf("✅ your anonymous group %s is live. Open it and send /start.", link), nil)
	return nil
}

// listGroups shows the groups the user belongs to with jump buttons.
func (f *Father) listGroups(ctx context.Context, u *store.User) error {
	groups, err := f.store.GroupsOf(ctx, u, true)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		_, err := f.client.SendText(ctx, u.UID, "📚 you are not in any group yet.", nil)
		return err
	}
	var rows [][]platform.Button
	for _, g := range groups {
		label := "@" + g.Handle
		if g.Title != "" {
			label = g.Title
		}
		if g.Disabled {
			label += " (disabled)"
		}
		rows = append(rows, []platform.Button{{Text: label, Data: fmt.Sprintf("g_%d", g.ID)}})
	}
	_, err = f.client.SendText(ctx, u.UID, "📚 your groups:", &platform.SendOptions{Buttons: rows})
	return err
}

// groupDetail renders one group with owner actions.
func (f *Father) groupDetail(ctx context.Context, u *store.User, idArg string) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return store.Operationf("unknown group")
	}
	g, err := f.store.GroupByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Operationf("unknown group")
		}
		return err
	}
	nMembers, err := f.store.NMembers(ctx, g)
	if err != nil {
		return err
	}
	nMessages, err := f.store.NMessages(ctx, g)
	if err != nil {
		return err
	}
	state := "✅ running"
	if g.Disabled {
		state = "🚫 disabled"
	}
	text := fmt.Sprintf("👁 @%s\n👥 %d members, 💬 %d messages\n%s", g.Handle, nMembers, nMessages, state)

	var rows [][]platform.Button
	if g.CreatorID == u.ID && !g.Disabled {
		rows = append(rows, []platform.Button{{Text: "🗑 delete group", Data: fmt.Sprintf("gd_%d", g.ID)}})
	}
	_, err = f.client.SendText(ctx, u.UID, text, &platform.SendOptions{Buttons: rows})
	return err
}

// deleteGroup stops the relay and disables the group. Only the creator may.
func (f *Father) deleteGroup(ctx context.Context, u *store.User, idArg string) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return store.Operationf("unknown group")
	}
	g, err := f.store.GroupByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Operationf("unknown group")
		}
		return err
	}
	if g.CreatorID != u.ID {
		return store.Operationf("only the group creator can delete it")
	}
	if err := f.fleet.StopGroupBot(ctx, g.Token); err != nil {
		f.log.Warn("stop deleted relay", "group", g.ID, "error", err)
	}
	if err := f.store.SetGroupDisabled(ctx, g, true); err != nil {
		return err
	}
	_, err = f.client.SendText(ctx, u.UID, "🗑 group deleted. The token can no longer host it.", nil)
	return err
}

// redeemCode consumes a validation code and reports the granted roles.
func (f *Father) redeemCode(ctx context.Context, u *store.User, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return store.Operationf("send the code as plain text")
	}
	used, err := f.store.UseCode(ctx, u, code)
	if err != nil {
		return err
	}
	if len(used) == 0 {
		return store.Operationf("this code is invalid or already redeemed")
	}
	var roles []string
	for _, req := range used {
		roles = append(roles, req.Role.String())
	}
	_, err = f.client.SendText(ctx, u.UID, "✅ code accepted, you are now: "+strings.Join(roles, ", "), nil)
	return err
}

// generateCodes parses the admin spec "role [days] [count]" and mints codes.
func (f *Father) generateCodes(ctx context.Context, u *store.User, spec string) error {
	if admin, err := f.store.HasRole(ctx, u, store.UserAdmin, store.UserCreator); err != nil {
		return err
	} else if !admin {
		return store.Operationf("admins only")
	}
	fields := strings.Fields(strings.ToLower(spec))
	if len(fields) == 0 {
		return store.Operationf("send: role [days] [count]")
	}
	role, ok := parseRole(fields[0])
	if !ok {
		return store.Operationf("unknown role %q", fields[0])
	}
	var days *int
	num := 1
	if len(fields) > 1 {
		d, err := strconv.Atoi(fields[1])
		if err != nil || d <= 0 {
			return store.Operationf("days must be a positive number")
		}
		days = &d
	}
	if len(fields) > 2 {
		n, err := strconv.Atoi(fields[2])
		if err != nil || n <= 0 || n > 50 {
			return store.Operationf("count must be between 1 and 50")
		}
		num = n
	}
	codes, err := f.store.CreateCodes(ctx, u, []store.UserRole{role}, days, 16, num)
	if err != nil {
		return err
	}
	_, err = f.client.SendText(ctx, u.UID, "🏷 codes:\n"+strings.Join(codes, "\n"), nil)
	return err
}

// parseRole maps a spec word to a grantable role.
func parseRole(s string) (store.UserRole, bool) {
	switch s {
	case "awarded":
		return store.UserAwarded, true
	case "paying":
		return store.UserPaying, true
	case "grouper":
		return store.UserGrouper, true
	case "invited":
		return store.UserInvited, true
	case "admin":
		return store.UserAdmin, true
	default:
		return store.UserNone, false
	}
}

// fleetStatus reports the aggregate worker accounting to an admin.
func (f *Father) fleetStatus(ctx context.Context, u *store.User) error {
	st, err := f.fleet.Status(ctx)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("📈 %d relays up for %s\n🔃 %d requests, %d errors, %.1fs worker time",
		st.Relays, st.Uptime.Round(time.Second), st.Worker.Requests, st.Worker.Errors, st.Worker.Time)
	_, err = f.client.SendText(ctx, u.UID, text, nil)
	return err
}
