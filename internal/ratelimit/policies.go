package ratelimit

import "time"

// 組み込みポリシーの名前空間
const (
	NamespaceRead               = "get_req"
	NamespaceStrictRead         = "strict_get_req"
	NamespaceMutation           = "modify_req"
	NamespaceCriticalMutation   = "crit_modify_req"
	NamespaceDDoSGuard          = "ddos_guard"
	NamespaceInvalidAuthAttempt = "invalid_auth_attempt"
)

// Policies はサービスで使用するポリシー一式。
type Policies struct {
	Read               Policy
	StrictRead         Policy
	Mutation           Policy
	CriticalMutation   Policy
	DDoSGuard          Policy
	InvalidAuthAttempt Policy
}

// DefaultPolicies はデフォルトのポリシー一式を返す。
// 不正認証試行は IP あたり 5 分間に 10 回まで。
func DefaultPolicies() Policies {
	return Policies{
		Read:               Policy{Namespace: NamespaceRead, Max: 100, Window: time.Minute},
		StrictRead:         Policy{Namespace: NamespaceStrictRead, Max: 30, Window: time.Minute},
		Mutation:           Policy{Namespace: NamespaceMutation, Max: 30, Window: time.Minute},
		CriticalMutation:   Policy{Namespace: NamespaceCriticalMutation, Max: 10, Window: 5 * time.Minute},
		DDoSGuard:          Policy{Namespace: NamespaceDDoSGuard, Max: 150, Window: 5 * time.Second},
		InvalidAuthAttempt: Policy{Namespace: NamespaceInvalidAuthAttempt, Max: 10, Window: 5 * time.Minute},
	}
}

// Override はlimitまたはwindowが正の値の場合にポリシーの値を置き換えたコピーを返す。
func (p Policy) Override(limit int64, window time.Duration) Policy {
	if limit > 0 {
		p.Max = limit
	}
	if window > 0 {
		p.Window = window
	}
	return p
}
