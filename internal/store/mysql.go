package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"smshub-agent/internal/model"
)

const mysqlDuplicateEntry = 1062

// querier *sql.DB 与 *sql.Tx 的公共子集
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQL 基于 database/sql 的实现，表结构由 database.InitTables 创建
type MySQL struct {
	db *sql.DB
	q  querier
}

// NewMySQL 包装一个已连接的数据库
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db, q: db}
}

// Tx 在数据库事务中执行 fn
func (s *MySQL) Tx(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(&MySQL{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (回滚失败: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// ==================== 模块 ====================

const modemColumns = "id, port, imei, iccid, operator, phone_number, country, status, signal_quality, created_at, updated_at"

func scanModem(row interface{ Scan(...any) error }) (*model.Modem, error) {
	var m model.Modem
	err := row.Scan(&m.ID, &m.Port, &m.IMEI, &m.ICCID, &m.Operator, &m.PhoneNumber, &m.Country,
		&m.Status, &m.SignalQuality, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *MySQL) GetModem(ctx context.Context, id int64) (*model.Modem, error) {
	return scanModem(s.q.QueryRowContext(ctx, "SELECT "+modemColumns+" FROM modems WHERE id = ?", id))
}

func (s *MySQL) GetModemByPort(ctx context.Context, port string) (*model.Modem, error) {
	return scanModem(s.q.QueryRowContext(ctx, "SELECT "+modemColumns+" FROM modems WHERE port = ?", port))
}

func (s *MySQL) ListModems(ctx context.Context) ([]*model.Modem, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+modemColumns+" FROM modems ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("查询模块列表失败: %w", err)
	}
	defer rows.Close()

	var modems []*model.Modem
	for rows.Next() {
		m, err := scanModem(rows)
		if err != nil {
			return nil, err
		}
		modems = append(modems, m)
	}
	return modems, rows.Err()
}

func (s *MySQL) CreateModem(ctx context.Context, m *model.Modem) error {
	now := time.Now().UTC()
	if m.Status == "" {
		m.Status = model.ModemOffline
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO modems (port, imei, iccid, operator, phone_number, country, status, signal_quality, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Port, m.IMEI, m.ICCID, m.Operator, m.PhoneNumber, m.Country, m.Status, m.SignalQuality, now, now)
	if err != nil {
		return duplicate(err)
	}
	m.ID, err = res.LastInsertId()
	m.CreatedAt, m.UpdatedAt = now, now
	return err
}

func (s *MySQL) UpdateModem(ctx context.Context, id int64, update model.ModemUpdate) (*model.Modem, error) {
	set := modemAssignments(update)
	if err := s.update(ctx, "modems", "id", id, set); err != nil {
		return nil, err
	}
	return s.GetModem(ctx, id)
}

func (s *MySQL) SetModemStatusIf(ctx context.Context, id int64, from, to model.ModemStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE modems SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("更新模块状态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := s.GetModem(ctx, id); err != nil {
			return false, err
		}
	}
	return affected > 0, nil
}

func (s *MySQL) DeleteModem(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM modems WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("删除模块失败: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ==================== 激活 ====================

const activationColumns = "id, activation_id, modem_id, phone_number, service, operator, country, price, currency, status, created_at, updated_at"

func scanActivation(row interface{ Scan(...any) error }) (*model.Activation, error) {
	var a model.Activation
	err := row.Scan(&a.ID, &a.ActivationID, &a.ModemID, &a.PhoneNumber, &a.Service, &a.Operator, &a.Country,
		&a.Price, &a.Currency, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *MySQL) GetActivation(ctx context.Context, activationID string) (*model.Activation, error) {
	return scanActivation(s.q.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE activation_id = ?", activationID))
}

func (s *MySQL) ActiveActivationForModem(ctx context.Context, modemID int64) (*model.Activation, error) {
	return scanActivation(s.q.QueryRowContext(ctx,
		"SELECT "+activationColumns+" FROM activations WHERE modem_id = ? AND status IN (?, ?) ORDER BY id DESC LIMIT 1",
		modemID, model.ActivationWaiting, model.ActivationReady))
}

func (s *MySQL) CreateActivation(ctx context.Context, a *model.Activation) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO activations (activation_id, modem_id, phone_number, service, operator, country, price, currency, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ActivationID, a.ModemID, a.PhoneNumber, a.Service, a.Operator, a.Country, a.Price, a.Currency, a.Status, now, now)
	if err != nil {
		return duplicate(err)
	}
	a.ID, err = res.LastInsertId()
	a.CreatedAt, a.UpdatedAt = now, now
	return err
}

func (s *MySQL) UpdateActivation(ctx context.Context, activationID string, update model.ActivationUpdate) (*model.Activation, error) {
	var set []assignment
	if update.Status != nil {
		set = append(set, assignment{"status", *update.Status})
	}
	if err := s.update(ctx, "activations", "activation_id", activationID, set); err != nil {
		return nil, err
	}
	return s.GetActivation(ctx, activationID)
}

// ==================== 短信 ====================

const messageColumns = "id, sms_id, modem_id, activation_id, phone_from, phone_to, text, delivered, delivery_attempts, last_error, created_at, updated_at"

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		m            model.Message
		activationID sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(&m.ID, &m.SMSID, &m.ModemID, &activationID, &m.PhoneFrom, &m.PhoneTo, &m.Text,
		&m.Delivered, &m.DeliveryAttempts, &lastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	m.ActivationID = activationID.String
	if lastError.Valid {
		m.LastError = &lastError.String
	}
	return &m, nil
}

func (s *MySQL) GetMessage(ctx context.Context, smsID string) (*model.Message, error) {
	return scanMessage(s.q.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM sms_messages WHERE sms_id = ?", smsID))
}

func (s *MySQL) CreateMessage(ctx context.Context, m *model.Message) error {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO sms_messages (sms_id, modem_id, activation_id, phone_from, phone_to, text, delivered, delivery_attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SMSID, m.ModemID, nullString(m.ActivationID), m.PhoneFrom, m.PhoneTo, m.Text,
		m.Delivered, m.DeliveryAttempts, m.LastError, now, now)
	if err != nil {
		return duplicate(err)
	}
	m.ID, err = res.LastInsertId()
	m.CreatedAt, m.UpdatedAt = now, now
	return err
}

func (s *MySQL) UpdateMessage(ctx context.Context, smsID string, update model.MessageUpdate) (*model.Message, error) {
	if err := s.update(ctx, "sms_messages", "sms_id", smsID, messageAssignments(update)); err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, smsID)
}

func (s *MySQL) ListUndelivered(ctx context.Context) ([]*model.Message, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+messageColumns+" FROM sms_messages WHERE delivered = FALSE ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("查询未投递短信失败: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ==================== 通用更新 ====================

type assignment struct {
	column string
	value  any
}

func modemAssignments(u model.ModemUpdate) []assignment {
	var set []assignment
	if u.Status != nil {
		set = append(set, assignment{"status", *u.Status})
	}
	if u.SignalQuality != nil {
		set = append(set, assignment{"signal_quality", *u.SignalQuality})
	}
	if u.IMEI != nil {
		set = append(set, assignment{"imei", *u.IMEI})
	}
	if u.ICCID != nil {
		set = append(set, assignment{"iccid", *u.ICCID})
	}
	if u.Operator != nil {
		set = append(set, assignment{"operator", *u.Operator})
	}
	if u.PhoneNumber != nil {
		set = append(set, assignment{"phone_number", *u.PhoneNumber})
	}
	if u.Country != nil {
		set = append(set, assignment{"country", *u.Country})
	}
	return set
}

// messageAssignments delivered 只会被置为 true
func messageAssignments(u model.MessageUpdate) []assignment {
	var set []assignment
	if u.Delivered != nil && *u.Delivered {
		set = append(set, assignment{"delivered", true})
	}
	if u.DeliveryAttempts != nil {
		set = append(set, assignment{"delivery_attempts", *u.DeliveryAttempts})
	}
	if u.LastError != nil {
		set = append(set, assignment{"last_error", *u.LastError})
	}
	return set
}

// buildUpdate 生成 UPDATE 语句，updated_at 总是刷新
func buildUpdate(table, keyColumn string, key any, set []assignment, now time.Time) (string, []any) {
	columns := make([]string, 0, len(set)+1)
	args := make([]any, 0, len(set)+2)
	for _, a := range set {
		columns = append(columns, a.column+" = ?")
		args = append(args, a.value)
	}
	columns = append(columns, "updated_at = ?")
	args = append(args, now, key)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(columns, ", "), keyColumn)
	return query, args
}

func (s *MySQL) update(ctx context.Context, table, keyColumn string, key any, set []assignment) error {
	query, args := buildUpdate(table, keyColumn, key, set, time.Now().UTC())
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("更新 %s 失败: %w", table, err)
	}
	// MySQL 对值未变化的行返回 0，需再确认记录是否存在
	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists int
		err := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", table, keyColumn), key).Scan(&exists)
		return notFound(err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return model.ErrAlreadyExists
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
