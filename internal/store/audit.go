package store

import (
	"context"
	"errors"
	"fmt"

	"smshub-agent/internal/model"
)

// LeaseIssue 模块状态与激活记录不一致
type LeaseIssue struct {
	ModemID      int64
	Port         string
	Status       model.ModemStatus
	ActivationID string
	Problem      string
}

const (
	ProblemLeakedLease   = "busy without live activation"
	ProblemUnleasedModem = "live activation on non-busy modem"
)

// AuditLeases 检查 busy 与未结束激活是否一一对应
func AuditLeases(ctx context.Context, st Store) ([]LeaseIssue, error) {
	modems, err := st.ListModems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list modems: %w", err)
	}

	var issues []LeaseIssue
	for _, modem := range modems {
		activation, err := st.ActiveActivationForModem(ctx, modem.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			if modem.Status == model.ModemBusy {
				issues = append(issues, LeaseIssue{
					ModemID: modem.ID,
					Port:    modem.Port,
					Status:  modem.Status,
					Problem: ProblemLeakedLease,
				})
			}
		case err != nil:
			return nil, fmt.Errorf("active activation for modem %d: %w", modem.ID, err)
		case modem.Status != model.ModemBusy:
			issues = append(issues, LeaseIssue{
				ModemID:      modem.ID,
				Port:         modem.Port,
				Status:       modem.Status,
				ActivationID: activation.ActivationID,
				Problem:      ProblemUnleasedModem,
			})
		}
	}
	return issues, nil
}

// RepairLeakedLeases 把没有激活的 busy 模块置为 offline，返回修复数量
func RepairLeakedLeases(ctx context.Context, st Store, issues []LeaseIssue) (int, error) {
	repaired := 0
	for _, issue := range issues {
		if issue.Problem != ProblemLeakedLease {
			continue
		}
		changed, err := st.SetModemStatusIf(ctx, issue.ModemID, model.ModemBusy, model.ModemOffline)
		if err != nil {
			return repaired, fmt.Errorf("release modem %d: %w", issue.ModemID, err)
		}
		if changed {
			repaired++
		}
	}
	return repaired, nil
}
