package dispatch

import (
	"context"
	"encoding/json"

	"deeperhub/internal/clockid"
	"deeperhub/internal/errs"
	"deeperhub/internal/userstore"
	"deeperhub/internal/wsproto"
)

type userCreatePayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userUpdatePayload struct {
	UserID   string  `json:"user_id"`
	Email    *string `json:"email,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type userGetOrDeletePayload struct {
	UserID string `json:"user_id"`
}

type userListPayload struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func userDTO(u *userstore.User) map[string]any {
	return map[string]any{
		"user_id":   u.ID,
		"username":  u.Username,
		"email":     u.Email,
		"is_active": u.IsActive,
	}
}

// handleUserOp delegates `user.{create,get,update,delete,list}` to the
// external user store (spec §4.8).
func (d *Dispatcher) handleUserOp(ctx context.Context, conn *wsproto.Conn, in Inbound) Outbound {
	switch in.Type {
	case "user.create":
		var p userCreatePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.Username == "" || p.Email == "" {
			return reply("user.create.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		hash, salt, params, algo, ver, err := d.Passwords.Hash(p.Password)
		if err != nil {
			return reply("user.create.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		u := &userstore.User{
			ID: clockid.NewID(), Username: p.Username, Email: p.Email,
			PasswordHash: hash, Salt: salt, ParamsJSON: params, Algo: algo, PasswordVer: ver,
			IsActive: true,
		}
		if err := d.Users.Create(ctx, u); err != nil {
			return reply("user.create.response", map[string]string{"error": errs.Code(errs.ErrInternal)}, in.Ref)
		}
		return reply("user.create.response", userDTO(u), in.Ref)

	case "user.get":
		var p userGetOrDeletePayload
		_ = json.Unmarshal(in.Payload, &p)
		u, err := d.Users.Get(ctx, p.UserID)
		if err != nil {
			return reply("user.get.response", map[string]string{"error": errs.Code(errs.ErrUserNotFound)}, in.Ref)
		}
		return reply("user.get.response", userDTO(u), in.Ref)

	case "user.update":
		var p userUpdatePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil || p.UserID == "" {
			return reply("user.update.response", map[string]string{"error": errs.Code(errs.ErrInvalidPayload)}, in.Ref)
		}
		u, err := d.Users.Get(ctx, p.UserID)
		if err != nil {
			return reply("user.update.response", map[string]string{"error": errs.Code(errs.ErrUserNotFound)}, in.Ref)
		}
		if p.Email != nil {
			u.Email = *p.Email
		}
		if p.IsActive != nil {
			u.IsActive = *p.IsActive
		}
		if err := d.Users.Update(ctx, u); err != nil {
			return reply("user.update.response", map[string]string{"error": errs.Code(errs.ErrInternal)}, in.Ref)
		}
		return reply("user.update.response", userDTO(u), in.Ref)

	case "user.delete":
		var p userGetOrDeletePayload
		_ = json.Unmarshal(in.Payload, &p)
		if err := d.Users.Delete(ctx, p.UserID); err != nil {
			return reply("user.delete.response", map[string]string{"error": errs.Code(errs.ErrUserNotFound)}, in.Ref)
		}
		return reply("user.delete.response", map[string]string{"user_id": p.UserID}, in.Ref)

	case "user.list":
		var p userListPayload
		_ = json.Unmarshal(in.Payload, &p)
		users, err := d.Users.List(ctx, p.Limit, p.Offset)
		if err != nil {
			return reply("user.list.response", map[string]string{"error": errs.Code(errs.ErrInternal)}, in.Ref)
		}
		out := make([]map[string]any, 0, len(users))
		for i := range users {
			out = append(out, userDTO(&users[i]))
		}
		return reply("user.list.response", out, in.Ref)
	}
	return errorReply("unknown_type", in.Ref)
}
