// Package authz answers "who can see this chatable" from a casbin policy.
//
// Subjects are "user:<id>" and "group:<id>", objects are "<chatable type>:<id>"
// and actions are "read" and "moderate". Grouping rules ("g, user:7, group:3")
// carry group membership for moderation checks.
package authz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/rs/zerolog"

	"chat-core/internal/chat"
	"chat-core/internal/models"
)

const (
	ActionRead     = "read"
	ActionModerate = "moderate"
)

// DefaultModel is used when no model file is configured.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.obj == "*" || r.obj == p.obj) && r.act == p.act
`

// CasbinOracle implements chat.Oracle on a casbin enforcer.
type CasbinOracle struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
	log      zerolog.Logger
}

var _ chat.Oracle = (*CasbinOracle)(nil)

// NewCasbinOracle loads model and policy files. An empty model path selects
// DefaultModel; an empty policy path starts with no rules.
func NewCasbinOracle(modelPath, policyPath string, log zerolog.Logger) (*CasbinOracle, error) {
	var (
		m   model.Model
		err error
	)
	if modelPath != "" {
		m, err = model.NewModelFromFile(modelPath)
	} else {
		m, err = model.NewModelFromString(DefaultModel)
	}
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	var enforcer *casbin.Enforcer
	if policyPath != "" {
		enforcer, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	log.Info().Str("model", modelPath).Str("policy", policyPath).Msg("casbin authorization loaded")
	return &CasbinOracle{enforcer: enforcer, log: log.With().Str("component", "authz").Logger()}, nil
}

// Object names a chatable for policy rules.
func Object(c models.Chatable) string {
	return fmt.Sprintf("%s:%d", c.Type, c.ID)
}

func UserSubject(userID int64) string   { return "user:" + strconv.FormatInt(userID, 10) }
func GroupSubject(groupID int64) string { return "group:" + strconv.FormatInt(groupID, 10) }

// Allow grants action on chatable to a subject.
func (o *CasbinOracle) Allow(subject string, chatable models.Chatable, action string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.enforcer.AddPolicy(subject, Object(chatable), action)
	return err
}

// AddMember records that a user belongs to a group.
func (o *CasbinOracle) AddMember(userID, groupID int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.enforcer.AddGroupingPolicy(UserSubject(userID), GroupSubject(groupID))
	return err
}

// Grants lists the subjects with read access to chatable, including wildcard rules.
func (o *CasbinOracle) Grants(_ context.Context, chatable models.Chatable) (chat.Grants, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var grants chat.Grants
	for _, obj := range []string{Object(chatable), "*"} {
		rules, err := o.enforcer.GetFilteredPolicy(1, obj, ActionRead)
		if err != nil {
			return chat.Grants{}, err
		}
		for _, rule := range rules {
			kind, id, ok := parseSubject(rule[0])
			if !ok {
				o.log.Warn().Str("subject", rule[0]).Msg("ignoring unparseable policy subject")
				continue
			}
			switch kind {
			case "user":
				grants.UserIDs = append(grants.UserIDs, id)
			case "group":
				grants.GroupIDs = append(grants.GroupIDs, id)
			}
		}
	}
	return grants, nil
}

// CanModerate enforces the moderate action for the user and its groups.
func (o *CasbinOracle) CanModerate(_ context.Context, userID int64, chatable models.Chatable) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enforcer.Enforce(UserSubject(userID), Object(chatable), ActionModerate)
}

func parseSubject(s string) (string, int64, bool) {
	kind, raw, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return kind, id, true
}
