// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/order-settlement/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrRecordNotFound возвращается, если запись выполнения работ не найдена.
	ErrRecordNotFound = errors.New("fulfillment record not found")
	// ErrDuplicateRecord возвращается, если запись для пары (заказ, строка) уже существует.
	ErrDuplicateRecord = errors.New("fulfillment record already exists")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// querier реализуется и пулом, и транзакцией.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Конфликты сериализации и взаимоблокировки повторяем целиком вместе с транзакцией.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// SaveSettlement в одной транзакции сохраняет основную запись заказа, запись-дубликат
// партнёра (если есть) и аннулирует ставший лишним дубликат.
func (r *PostgresRepository) SaveSettlement(ctx context.Context, primary, duplicate *model.Order, voidOrderID string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := upsertOrder(ctx, tx, primary); err != nil {
			return err
		}

		if duplicate != nil {
			if err := upsertOrder(ctx, tx, duplicate); err != nil {
				return err
			}
		}

		if voidOrderID != "" {
			_, err := tx.Exec(ctx,
				`UPDATE orders SET voided = TRUE, voided_at = NOW(), updated_at = NOW()
				 WHERE id = $1 AND NOT voided`,
				voidOrderID,
			)
			if err != nil {
				return fmt.Errorf("void order: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func upsertOrder(ctx context.Context, q querier, o *model.Order) error {
	var partner string
	var percentage int
	if o.SplitDetails != nil {
		partner = o.SplitDetails.PartnerExecutive
		percentage = o.SplitDetails.SplitPercentage
	}

	var originalID *string
	if o.OriginalOrderID != "" {
		originalID = &o.OriginalOrderID
	}

	_, err := q.Exec(ctx,
		`INSERT INTO orders (
			id, order_number, executive, sale_closed_by, business_name, customer_name,
			contact_number, email, address, order_date, client_type, discount, advance,
			advance_date, payment_date, payment_method, total, discounted_total, balance,
			is_commission_split, split_partner, split_percentage, commission_split,
			commission_executive1, commission_amount1, commission_executive2, commission_amount2,
			original_order_id, advance_override_by, voided, voided_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31
		)
		ON CONFLICT (id) DO UPDATE SET
			order_number = EXCLUDED.order_number,
			executive = EXCLUDED.executive,
			sale_closed_by = EXCLUDED.sale_closed_by,
			business_name = EXCLUDED.business_name,
			customer_name = EXCLUDED.customer_name,
			contact_number = EXCLUDED.contact_number,
			email = EXCLUDED.email,
			address = EXCLUDED.address,
			order_date = EXCLUDED.order_date,
			client_type = EXCLUDED.client_type,
			discount = EXCLUDED.discount,
			advance = EXCLUDED.advance,
			advance_date = EXCLUDED.advance_date,
			payment_date = EXCLUDED.payment_date,
			payment_method = EXCLUDED.payment_method,
			total = EXCLUDED.total,
			discounted_total = EXCLUDED.discounted_total,
			balance = EXCLUDED.balance,
			is_commission_split = EXCLUDED.is_commission_split,
			split_partner = EXCLUDED.split_partner,
			split_percentage = EXCLUDED.split_percentage,
			commission_split = EXCLUDED.commission_split,
			commission_executive1 = EXCLUDED.commission_executive1,
			commission_amount1 = EXCLUDED.commission_amount1,
			commission_executive2 = EXCLUDED.commission_executive2,
			commission_amount2 = EXCLUDED.commission_amount2,
			original_order_id = EXCLUDED.original_order_id,
			advance_override_by = EXCLUDED.advance_override_by,
			voided = EXCLUDED.voided,
			voided_at = EXCLUDED.voided_at,
			updated_at = NOW()`,
		o.ID, o.OrderNumber, o.Executive, o.SaleClosedBy, o.BusinessName, o.CustomerName,
		o.ContactNumber, o.Email, o.Address, o.OrderDate, o.ClientType, o.Discount, o.Advance,
		o.AdvanceDate, o.PaymentDate, o.PaymentMethod, o.Total, o.DiscountedTotal, o.Balance,
		o.IsCommissionSplit, partner, percentage, o.Commission.Split,
		o.Commission.Executive1, o.Commission.Amount1, o.Commission.Executive2, o.Commission.Amount2,
		originalID, o.AdvanceOverrideBy, o.Voided, o.VoidedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}

	for _, li := range o.LineItems {
		_, err := q.Exec(ctx,
			`INSERT INTO order_line_items (
				order_id, row_index, requirement, description, quantity, rate, duration_days,
				tax_included, total, delivery_date, start_date, end_date, remark
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (order_id, row_index) DO UPDATE SET
				requirement = EXCLUDED.requirement,
				description = EXCLUDED.description,
				quantity = EXCLUDED.quantity,
				rate = EXCLUDED.rate,
				duration_days = EXCLUDED.duration_days,
				tax_included = EXCLUDED.tax_included,
				total = EXCLUDED.total,
				delivery_date = EXCLUDED.delivery_date,
				start_date = EXCLUDED.start_date,
				end_date = EXCLUDED.end_date,
				remark = EXCLUDED.remark`,
			o.ID, li.RowIndex, li.Requirement, li.Description, li.Quantity, li.Rate, li.DurationDays,
			li.TaxIncluded, li.Total, li.DeliveryDate, li.StartDate, li.EndDate, li.Remark,
		)
		if err != nil {
			return fmt.Errorf("upsert line item %d of order %s: %w", li.RowIndex, o.ID, err)
		}
	}

	_, err = q.Exec(ctx,
		`DELETE FROM order_line_items WHERE order_id = $1 AND row_index >= $2`,
		o.ID, len(o.LineItems),
	)
	if err != nil {
		return fmt.Errorf("trim line items of order %s: %w", o.ID, err)
	}

	return nil
}

const orderColumns = `id, order_number, executive, sale_closed_by, business_name, customer_name,
	contact_number, email, address, order_date, client_type, discount, advance,
	advance_date, payment_date, payment_method, total, discounted_total, balance,
	is_commission_split, split_partner, split_percentage, commission_split,
	commission_executive1, commission_amount1, commission_executive2, commission_amount2,
	original_order_id, advance_override_by, voided, voided_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o          model.Order
		partner    string
		percentage int
		originalID *string
	)

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.Executive, &o.SaleClosedBy, &o.BusinessName, &o.CustomerName,
		&o.ContactNumber, &o.Email, &o.Address, &o.OrderDate, &o.ClientType, &o.Discount, &o.Advance,
		&o.AdvanceDate, &o.PaymentDate, &o.PaymentMethod, &o.Total, &o.DiscountedTotal, &o.Balance,
		&o.IsCommissionSplit, &partner, &percentage, &o.Commission.Split,
		&o.Commission.Executive1, &o.Commission.Amount1, &o.Commission.Executive2, &o.Commission.Amount2,
		&originalID, &o.AdvanceOverrideBy, &o.Voided, &o.VoidedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if partner != "" {
		o.SplitDetails = &model.SplitDetails{PartnerExecutive: partner, SplitPercentage: percentage}
	}
	if originalID != nil {
		o.OriginalOrderID = *originalID
	}

	return &o, nil
}

// GetOrder возвращает заказ со строками. Статус строк читается из записей выполнения работ.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.loadLineItems(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// GetDuplicate возвращает запись-дубликат партнёра для основного заказа, включая аннулированную.
func (r *PostgresRepository) GetDuplicate(ctx context.Context, primaryID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE original_order_id = $1`,
		primaryID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get duplicate order: %w", err)
	}

	if err := r.loadLineItems(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

func (r *PostgresRepository) loadLineItems(ctx context.Context, o *model.Order) error {
	// Дубликат разделённого заказа разделяет задачи с основной записью.
	fulfillmentOrderID := o.ID
	if o.OriginalOrderID != "" {
		fulfillmentOrderID = o.OriginalOrderID
	}

	rows, err := r.pool.Query(ctx,
		`SELECT li.row_index, li.requirement, li.description, li.quantity, li.rate,
		        li.duration_days, li.tax_included, li.total, li.delivery_date,
		        li.start_date, li.end_date, li.remark, ps.id, ps.current_status
		 FROM order_line_items li
		 LEFT JOIN pending_services ps
		        ON ps.order_id = $2 AND ps.row_index = li.row_index AND ps.voided_at IS NULL
		 WHERE li.order_id = $1
		 ORDER BY li.row_index`,
		o.ID, fulfillmentOrderID,
	)
	if err != nil {
		return fmt.Errorf("select line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			li            model.LineItem
			fulfillmentID *string
			status        *string
		)
		err := rows.Scan(
			&li.RowIndex, &li.Requirement, &li.Description, &li.Quantity, &li.Rate,
			&li.DurationDays, &li.TaxIncluded, &li.Total, &li.DeliveryDate,
			&li.StartDate, &li.EndDate, &li.Remark, &fulfillmentID, &status,
		)
		if err != nil {
			return fmt.Errorf("scan line item: %w", err)
		}

		if fulfillmentID != nil {
			li.FulfillmentID = *fulfillmentID
		}
		if status != nil {
			li.Status = model.FulfillmentStatus(*status)
			li.IsCompleted = li.Status == model.FulfillmentCompleted
		}

		o.LineItems = append(o.LineItems, li)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

const pendingServiceColumns = `id, order_id, row_index, executive, business, customer, contact,
	order_number, requirement, delivery_date, remark, current_status, assigned_to,
	last_updated, closed_at, voided_at`

func scanPendingService(row pgx.Row) (*model.PendingServiceRecord, error) {
	var (
		rec    model.PendingServiceRecord
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.RowIndex, &rec.Executive, &rec.Business, &rec.Customer, &rec.Contact,
		&rec.OrderNumber, &rec.Requirement, &rec.DeliveryDate, &rec.Remark, &status, &rec.AssignedTo,
		&rec.LastUpdated, &rec.ClosedAt, &rec.VoidedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CurrentStatus = model.FulfillmentStatus(status)
	return &rec, nil
}

// CreatePendingService создаёт запись выполнения работ.
// Возвращает ErrDuplicateRecord, если для строки заказа запись уже есть.
func (r *PostgresRepository) CreatePendingService(ctx context.Context, rec *model.PendingServiceRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pending_services (`+pendingServiceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.OrderID, rec.RowIndex, rec.Executive, rec.Business, rec.Customer, rec.Contact,
		rec.OrderNumber, rec.Requirement, rec.DeliveryDate, rec.Remark, string(rec.CurrentStatus), rec.AssignedTo,
		rec.LastUpdated, rec.ClosedAt, rec.VoidedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: order %s row %d", ErrDuplicateRecord, rec.OrderID, rec.RowIndex)
		}
		return fmt.Errorf("create pending service: %w", err)
	}
	return nil
}

// GetPendingService возвращает запись выполнения работ по идентификатору.
func (r *PostgresRepository) GetPendingService(ctx context.Context, id string) (*model.PendingServiceRecord, error) {
	rec, err := scanPendingService(r.pool.QueryRow(ctx,
		`SELECT `+pendingServiceColumns+` FROM pending_services WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get pending service: %w", err)
	}
	return rec, nil
}

// UpdatePendingService сохраняет все изменяемые поля записи. Последняя запись побеждает.
func (r *PostgresRepository) UpdatePendingService(ctx context.Context, rec *model.PendingServiceRecord) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE pending_services
		 SET executive = $2, business = $3, customer = $4, contact = $5, order_number = $6,
		     requirement = $7, delivery_date = $8, remark = $9, current_status = $10,
		     assigned_to = $11, last_updated = $12, closed_at = $13, voided_at = $14
		 WHERE id = $1`,
		rec.ID, rec.Executive, rec.Business, rec.Customer, rec.Contact, rec.OrderNumber,
		rec.Requirement, rec.DeliveryDate, rec.Remark, string(rec.CurrentStatus),
		rec.AssignedTo, rec.LastUpdated, rec.ClosedAt, rec.VoidedAt,
	)
	if err != nil {
		return fmt.Errorf("update pending service: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListPendingServices возвращает записи выполнения работ заказа в порядке строк,
// включая аннулированные.
func (r *PostgresRepository) ListPendingServices(ctx context.Context, orderID string) ([]model.PendingServiceRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pendingServiceColumns+` FROM pending_services WHERE order_id = $1 ORDER BY row_index`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending services: %w", err)
	}
	defer rows.Close()

	var res []model.PendingServiceRecord
	for rows.Next() {
		rec, err := scanPendingService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending service: %w", err)
		}
		res = append(res, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordIssue добавляет запись в журнал несогласованностей.
// Повторная открытая запись того же типа для заказа не создаётся.
func (r *PostgresRepository) RecordIssue(ctx context.Context, orderID string, kind model.SettlementIssueKind, detail string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settlement_issues (order_id, kind, detail) VALUES ($1, $2, $3)
		 ON CONFLICT (order_id, kind) WHERE resolved_at IS NULL
		 DO UPDATE SET detail = EXCLUDED.detail`,
		orderID, string(kind), detail,
	)
	if err != nil {
		return fmt.Errorf("record settlement issue: %w", err)
	}
	return nil
}

// ListOpenIssues возвращает нерешённые записи журнала в порядке появления.
// Пустой kind означает записи всех типов.
func (r *PostgresRepository) ListOpenIssues(ctx context.Context, kind model.SettlementIssueKind, limit int) ([]model.SettlementIssue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, kind, detail, created_at, resolved_at
		 FROM settlement_issues
		 WHERE resolved_at IS NULL AND ($1::text = '' OR kind = $1::text)
		 ORDER BY created_at, id
		 LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select settlement issues: %w", err)
	}
	defer rows.Close()

	var res []model.SettlementIssue
	for rows.Next() {
		var (
			issue model.SettlementIssue
			kind  string
		)
		if err := rows.Scan(&issue.ID, &issue.OrderID, &kind, &issue.Detail, &issue.CreatedAt, &issue.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan settlement issue: %w", err)
		}
		issue.Kind = model.SettlementIssueKind(kind)
		res = append(res, issue)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ResolveIssue помечает запись журнала решённой.
func (r *PostgresRepository) ResolveIssue(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE settlement_issues SET resolved_at = NOW() WHERE id = $1 AND resolved_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("resolve settlement issue: %w", err)
	}
	return nil
}

// FindOrphanedSplits возвращает основные заказы с признаком разделения, у которых нет
// действующей записи-дубликата.
func (r *PostgresRepository) FindOrphanedSplits(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id
		 FROM orders o
		 WHERE o.is_commission_split
		   AND o.original_order_id IS NULL
		   AND NOT o.voided
		   AND NOT EXISTS (
		       SELECT 1 FROM orders d WHERE d.original_order_id = o.id AND NOT d.voided
		   )
		 ORDER BY o.updated_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orphaned splits: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}
