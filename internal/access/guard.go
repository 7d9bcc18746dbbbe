// Package access はアカウントとイベントの関係から、閲覧・編集・招待の可否を判定する。
//
// アカウントの役割はイベントのメンバー集合から都度導出し、永続化しない。
// 役割と操作の対応はcasbinのポリシーで表現し、ACCESS_POLICYで切り替える。
package access

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"

	"github.com/hitoshi/letsgo/internal/model"
)

//go:embed model.conf
var casbinModelContent string

// Policy は編集・招待権限の方針。
type Policy string

const (
	// PolicyAnyMember は全メンバーに閲覧・編集・招待を許可する。
	PolicyAnyMember Policy = "any_member"
	// PolicyCreatorOnly は閲覧を全メンバーに、編集・招待を作成者のみに許可する。
	PolicyCreatorOnly Policy = "creator_only"
)

// ParsePolicy は設定値をPolicyに変換する。
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAnyMember, PolicyCreatorOnly:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown access policy: %q", s)
	}
}

// 役割
const (
	RoleCreator = "creator"
	RoleMember  = "member"
	RoleNone    = "none"
)

// 操作
const (
	ActionRead   = "event:read"
	ActionEdit   = "event:edit"
	ActionInvite = "event:invite"
)

// Guard はイベントへの操作可否を判定する。
type Guard struct {
	enforcer casbin.IEnforcer
	policy   Policy
	logger   *slog.Logger
}

// NewGuard は指定された方針のGuardを生成する。
func NewGuard(policy Policy, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := casbinmodel.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	// 作成者はメンバーの権限をすべて持つ
	if _, err := enforcer.AddGroupingPolicy(RoleCreator, RoleMember); err != nil {
		return nil, fmt.Errorf("add role hierarchy: %w", err)
	}

	rules, err := policyRules(policy)
	if err != nil {
		return nil, err
	}
	if _, err := enforcer.AddPolicies(rules); err != nil {
		return nil, fmt.Errorf("add policies: %w", err)
	}

	return &Guard{enforcer: enforcer, policy: policy, logger: logger}, nil
}

func policyRules(policy Policy) ([][]string, error) {
	switch policy {
	case PolicyAnyMember:
		return [][]string{
			{RoleMember, ActionRead},
			{RoleMember, ActionEdit},
			{RoleMember, ActionInvite},
		}, nil
	case PolicyCreatorOnly:
		return [][]string{
			{RoleMember, ActionRead},
			{RoleCreator, ActionEdit},
			{RoleCreator, ActionInvite},
		}, nil
	default:
		return nil, fmt.Errorf("unknown access policy: %q", policy)
	}
}

// Policy は現在の方針を返す。
func (g *Guard) Policy() Policy {
	return g.policy
}

// Role はイベントにおけるアカウントの役割を返す。
// メンバーでなければ作成者であってもRoleNone。
func Role(accountID string, event *model.Event) string {
	if accountID == "" || event == nil || !event.HasMember(accountID) {
		return RoleNone
	}
	if event.CreatorID == accountID {
		return RoleCreator
	}
	return RoleMember
}

// CanRead はアカウントがイベントを閲覧できるかを返す。
func (g *Guard) CanRead(accountID string, event *model.Event) bool {
	return g.allowed(accountID, event, ActionRead)
}

// CanEdit はアカウントがイベントを編集できるかを返す。
func (g *Guard) CanEdit(accountID string, event *model.Event) bool {
	return g.allowed(accountID, event, ActionEdit)
}

// CanInvite はアカウントがイベントに招待できるかを返す。
func (g *Guard) CanInvite(accountID string, event *model.Event) bool {
	return g.allowed(accountID, event, ActionInvite)
}

// allowed はポリシーを評価する。評価エラーは拒否として扱う。
func (g *Guard) allowed(accountID string, event *model.Event, action string) bool {
	role := Role(accountID, event)
	if role == RoleNone {
		return false
	}

	ok, err := g.enforcer.Enforce(role, action)
	if err != nil {
		g.logger.Error("access policy evaluation failed",
			slog.String("account_id", accountID),
			slog.String("event_id", event.ID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}
