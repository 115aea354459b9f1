package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/secret"
)

type PortStore struct {
	db     DBTX
	sealer *secret.Sealer
}

// NewPortStore returns a port store. A nil sealer stores credentials as given.
func NewPortStore(db DBTX, sealer *secret.Sealer) *PortStore {
	return &PortStore{db: db, sealer: sealer}
}

// WithTx returns a store bound to tx sharing the same sealer.
func (s *PortStore) WithTx(tx *sql.Tx) *PortStore {
	return &PortStore{db: tx, sealer: s.sealer}
}

type PortInput struct {
	InstanceURL       string
	PortNumber        *int
	DBHost            string
	DBName            string
	DBUsername        string
	DBPassword        string
	Status            model.PortStatus
	ServerRegion      string
	SetupInstructions string
}

type PortFilter struct {
	Status model.PortStatus
	Region string
	Search string
	Limit  int
	Offset int
}

func (s *PortStore) scanPort(sc scanner) (*model.Port, error) {
	var p model.Port
	var portNumber sql.NullInt64
	var subID sql.NullInt64
	var assignedAt sql.NullTime
	err := sc.Scan(
		&p.ID, &p.InstanceURL, &portNumber, &p.DBHost, &p.DBName, &p.DBUsername,
		&p.DBPassword, &p.Status, &subID, &assignedAt, &p.ServerRegion,
		&p.SetupInstructions, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if portNumber.Valid {
		n := int(portNumber.Int64)
		p.PortNumber = &n
	}
	p.AssignedSubscriptionID = int64Ptr(subID)
	p.AssignedAt = timePtr(assignedAt)
	if p.DBPassword, err = s.sealer.Open(p.DBPassword); err != nil {
		return nil, fmt.Errorf("open credentials for port %d: %w", p.ID, err)
	}
	return &p, nil
}

const portCols = `id, instance_url, port_number, db_host, db_name, db_username, db_password, status, assigned_subscription_id, assigned_at, server_region, setup_instructions, created_at, updated_at`

func nullPortNumber(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// Create inserts a port. Ports are created AVAILABLE unless the input says
// RESERVED or DISABLED; ASSIGNED is only reachable through AssignToSubscription.
func (s *PortStore) Create(in PortInput) (*model.Port, error) {
	status := in.Status
	if status == "" {
		status = model.PortAvailable
	}
	if !status.Valid() || status == model.PortAssigned {
		return nil, fmt.Errorf("invalid initial port status %q", status)
	}

	password, err := s.sealer.Seal(in.DBPassword)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}

	result, err := s.db.Exec(
		`INSERT INTO ports (instance_url, port_number, db_host, db_name, db_username, db_password, status, server_region, setup_instructions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(in.InstanceURL), nullPortNumber(in.PortNumber), in.DBHost, in.DBName,
		in.DBUsername, password, status, in.ServerRegion, in.SetupInstructions,
	)
	if err != nil {
		return nil, fmt.Errorf("insert port: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *PortStore) GetByID(id int64) (*model.Port, error) {
	row := s.db.QueryRow(`SELECT `+portCols+` FROM ports WHERE id = ?`, id)
	p, err := s.scanPort(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get port: %w", err)
	}
	return p, nil
}

// FindBySubscriptionID returns the port assigned to subscriptionID, or nil.
func (s *PortStore) FindBySubscriptionID(subscriptionID int64) (*model.Port, error) {
	row := s.db.QueryRow(`SELECT `+portCols+` FROM ports WHERE assigned_subscription_id = ?`, subscriptionID)
	p, err := s.scanPort(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find port by subscription: %w", err)
	}
	return p, nil
}

// ListAvailable returns up to limit AVAILABLE ports, oldest first.
func (s *PortStore) ListAvailable(limit int) ([]model.Port, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.List(PortFilter{Status: model.PortAvailable, Limit: limit})
}

func (s *PortStore) CountAvailable() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ports WHERE status = ?`, model.PortAvailable).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count available ports: %w", err)
	}
	return count, nil
}

// CountByStatus returns the number of ports in each status.
func (s *PortStore) CountByStatus() (map[model.PortStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM ports GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count ports by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.PortStatus]int)
	for rows.Next() {
		var status model.PortStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan port count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PortStore) List(f PortFilter) ([]model.Port, error) {
	query := `SELECT ` + portCols + ` FROM ports WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Region != "" {
		query += ` AND server_region = ?`
		args = append(args, f.Region)
	}
	if f.Search != "" {
		query += ` AND (instance_url LIKE ? OR db_host LIKE ? OR db_name LIKE ?)`
		like := "%" + f.Search + "%"
		args = append(args, like, like, like)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()

	var ports []model.Port
	for rows.Next() {
		p, err := s.scanPort(rows)
		if err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, *p)
	}
	return ports, rows.Err()
}

// Update rewrites the descriptive and credential fields. Status and linkage
// are left alone. An empty DBPassword keeps the stored password.
func (s *PortStore) Update(id int64, in PortInput) (bool, error) {
	query := `UPDATE ports SET instance_url = ?, port_number = ?, db_host = ?, db_name = ?, db_username = ?,
		server_region = ?, setup_instructions = ?, updated_at = ?`
	args := []any{
		strings.TrimSpace(in.InstanceURL), nullPortNumber(in.PortNumber), in.DBHost, in.DBName,
		in.DBUsername, in.ServerRegion, in.SetupInstructions, time.Now().UTC(),
	}
	if in.DBPassword != "" {
		password, err := s.sealer.Seal(in.DBPassword)
		if err != nil {
			return false, fmt.Errorf("seal password: %w", err)
		}
		query += `, db_password = ?`
		args = append(args, password)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("update port: %w", err)
	}
	return affectedOne(result)
}

// UpdateStatus writes status alone. It does not touch the subscription link,
// so setting ASSIGNED or AVAILABLE here can leave the port inconsistent.
func (s *PortStore) UpdateStatus(id int64, status model.PortStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid port status %q", status)
	}
	result, err := s.db.Exec(
		`UPDATE ports SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("update port status: %w", err)
	}
	return affectedOne(result)
}

// ChangeStatusFrom moves the port from one status to another only if it is
// still in from. It reports whether the row changed.
func (s *PortStore) ChangeStatusFrom(id int64, from, to model.PortStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("invalid port status %q", to)
	}
	result, err := s.db.Exec(
		`UPDATE ports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("change port status: %w", err)
	}
	return affectedOne(result)
}

// AssignToSubscription marks the port ASSIGNED to subscriptionID at the given
// time. The update only applies while the port is AVAILABLE or RESERVED, so of
// two concurrent assignments of the same port exactly one reports true.
func (s *PortStore) AssignToSubscription(id, subscriptionID int64, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE ports SET status = ?, assigned_subscription_id = ?, assigned_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		model.PortAssigned, subscriptionID, at.UTC(), time.Now().UTC(),
		id, model.PortAvailable, model.PortReserved,
	)
	if err != nil {
		return false, fmt.Errorf("assign port: %w", err)
	}
	return affectedOne(result)
}

// Release returns the port to AVAILABLE and clears its subscription link.
func (s *PortStore) Release(id int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE ports SET status = ?, assigned_subscription_id = NULL, assigned_at = NULL, updated_at = ? WHERE id = ?`,
		model.PortAvailable, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("release port: %w", err)
	}
	return affectedOne(result)
}

// PortExists reports whether another port already uses url. excludeID skips
// the port being edited; pass 0 when creating.
func (s *PortStore) PortExists(url string, excludeID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM ports WHERE instance_url = ? AND id != ?`,
		strings.TrimSpace(url), excludeID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check port exists: %w", err)
	}
	return count > 0, nil
}

func (s *PortStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM ports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete port: %w", err)
	}
	return nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
