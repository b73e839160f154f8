package api

import (
	"context"
	"net/http"

	"FundRouter/internal/auth"

	"github.com/ethereum/go-ethereum/common"
)

type rolesView struct {
	Account string      `json:"account"`
	Roles   []auth.Role `json:"roles"`
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	roles, err := s.roles.Roles(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, rolesView{Account: account.Hex(), Roles: roles})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.roles.GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.roles.RevokeRole)
}

type roleChange func(ctx context.Context, caller common.Address, role auth.Role, account common.Address) error

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, apply roleChange) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	role, err := auth.ParseRole(r.PathValue("role"))
	if err != nil {
		writeError(w, err)
		return
	}
	account, ok := pathAddress(w, r, "account")
	if !ok {
		return
	}
	if err := apply(r.Context(), caller, role, account); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
