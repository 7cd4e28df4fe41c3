// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/wallet-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrWalletNotFound возвращается, если кошелёк владельца не найден.
var (
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrWalletExists возвращается при попытке создать второй кошелёк того же владельца.
	ErrWalletExists = errors.New("wallet already exists")
	// ErrWalletInactive возвращается при операции над замороженным или заблокированным кошельком.
	ErrWalletInactive = errors.New("wallet is not active")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateReference возвращается, если зачисление по этой внешней ссылке уже записано.
	ErrDuplicateReference = errors.New("reference already credited")
	// ErrPendingDepositNotFound возвращается, если ожидаемое зачисление не найдено или истекло.
	ErrPendingDepositNotFound = errors.New("pending deposit not found")
	// ErrGatewayTransactionNotFound возвращается, если платёжная попытка не найдена.
	ErrGatewayTransactionNotFound = errors.New("gateway transaction not found")
	// ErrTransitionNotAllowed возвращается при недопустимом переходе статуса платежа.
	ErrTransitionNotAllowed = errors.New("gateway status transition not allowed")
)

// TxParams описывает одну операцию изменения баланса кошелька.
type TxParams struct {
	OwnerID       string
	OwnerType     model.OwnerType
	Type          model.TransactionType
	Amount        int64
	Description   string
	ReferenceID   string
	ReferenceType model.ReferenceType
	Metadata      map[string]string
	// MirrorSystem включает зеркальную запись той же суммы в системный кошелёк.
	MirrorSystem bool
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи нужны при сбоях сериализации и дедлоках: конкурентные
		// зачисление и списание по одному кошельку их провоцируют.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateWallet создаёт кошелёк владельца. Повторный вызов для того же владельца
// возвращает уже существующий кошелёк без ошибки.
func (r *PostgresRepository) CreateWallet(ctx context.Context, ownerID string, ownerType model.OwnerType) (*model.Wallet, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO wallets (owner_id, owner_type) VALUES ($1, $2)
		 ON CONFLICT (owner_id, owner_type) DO NOTHING`,
		ownerID, string(ownerType),
	)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return r.GetWallet(ctx, ownerID, ownerType)
}

const walletColumns = `id, owner_id, owner_type, balance, currency, status,
	total_deposited, total_withdrawn, total_spent, last_transaction_at, created_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var ownerType, status string
	err := row.Scan(&w.ID, &w.OwnerID, &ownerType, &w.Balance, &w.Currency, &status,
		&w.TotalDeposited, &w.TotalWithdrawn, &w.TotalSpent, &w.LastTransactionAt, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	w.OwnerType = model.OwnerType(ownerType)
	w.Status = model.WalletStatus(status)
	return &w, nil
}

// GetWallet возвращает кошелёк владельца.
func (r *PostgresRepository) GetWallet(ctx context.Context, ownerID string, ownerType model.OwnerType) (*model.Wallet, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND owner_type = $2`,
		ownerID, string(ownerType),
	)
	return scanWallet(row)
}

// SetWalletStatus изменяет состояние кошелька без изменения баланса.
func (r *PostgresRepository) SetWalletStatus(ctx context.Context, ownerID string, ownerType model.OwnerType, status model.WalletStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE wallets SET status = $3 WHERE owner_id = $1 AND owner_type = $2`,
		ownerID, string(ownerType), string(status),
	)
	if err != nil {
		return fmt.Errorf("set wallet status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// lockWallet блокирует строку кошелька до конца транзакции, сериализуя
// конкурентные изменения баланса одного владельца.
func lockWallet(ctx context.Context, tx pgx.Tx, ownerID string, ownerType model.OwnerType) (*model.Wallet, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND owner_type = $2 FOR UPDATE`,
		ownerID, string(ownerType),
	)
	return scanWallet(row)
}

// lockSystemWallet блокирует системный кошелёк, лениво создавая его при первом обращении.
func lockSystemWallet(ctx context.Context, tx pgx.Tx) (*model.Wallet, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO wallets (owner_id, owner_type) VALUES ($1, $2)
		 ON CONFLICT (owner_id, owner_type) DO NOTHING`,
		model.SystemOwnerID, string(model.OwnerTypeSystem),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure system wallet: %w", err)
	}
	return lockWallet(ctx, tx, model.SystemOwnerID, model.OwnerTypeSystem)
}

// walletDelta — состояние баланса и накопительных итогов кошелька после операции.
type walletDelta struct {
	Balance        int64
	TotalDeposited int64
	TotalWithdrawn int64
	TotalSpent     int64
}

// applyAmount вычисляет новое состояние счётчиков кошелька для операции типа t.
// Списание не может увести баланс в минус; возврат уменьшает потраченное, но
// не ниже нуля.
func applyAmount(w *model.Wallet, t model.TransactionType, amount int64) (walletDelta, error) {
	d := walletDelta{
		Balance:        w.Balance,
		TotalDeposited: w.TotalDeposited,
		TotalWithdrawn: w.TotalWithdrawn,
		TotalSpent:     w.TotalSpent,
	}

	switch t {
	case model.TransactionTypeDeposit:
		d.Balance += amount
		d.TotalDeposited += amount
	case model.TransactionTypeWithdraw:
		if amount > d.Balance {
			return walletDelta{}, fmt.Errorf("%w: have %d, want %d", ErrInsufficientBalance, d.Balance, amount)
		}
		d.Balance -= amount
		d.TotalWithdrawn += amount
	case model.TransactionTypePurchase:
		if amount > d.Balance {
			return walletDelta{}, fmt.Errorf("%w: have %d, want %d", ErrInsufficientBalance, d.Balance, amount)
		}
		d.Balance -= amount
		d.TotalSpent += amount
	case model.TransactionTypeRefund:
		d.Balance += amount
		d.TotalSpent -= amount
		if d.TotalSpent < 0 {
			d.TotalSpent = 0
		}
	default:
		return walletDelta{}, fmt.Errorf("unsupported transaction type: %s", t)
	}

	return d, nil
}

// applyToWallet записывает изменение баланса и соответствующую запись журнала
// внутри уже открытой транзакции. Кошелёк должен быть заблокирован вызывающим.
func applyToWallet(ctx context.Context, tx pgx.Tx, w *model.Wallet, p TxParams) (*model.WalletTransaction, error) {
	if w.Status != model.WalletStatusActive {
		return nil, fmt.Errorf("%w: %s", ErrWalletInactive, w.Status)
	}

	before := w.Balance
	delta, err := applyAmount(w, p.Type, p.Amount)
	if err != nil {
		return nil, err
	}
	after := delta.Balance

	now := time.Now()

	if _, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = $2, total_deposited = $3, total_withdrawn = $4, total_spent = $5,
		     last_transaction_at = $6
		 WHERE id = $1`,
		w.ID, after, delta.TotalDeposited, delta.TotalWithdrawn, delta.TotalSpent, now,
	); err != nil {
		return nil, fmt.Errorf("update wallet balance: %w", err)
	}

	var metadataJSON []byte
	if len(p.Metadata) > 0 {
		metadataJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	entry := &model.WalletTransaction{
		Code:          uuid.NewString(),
		WalletID:      w.ID,
		OwnerID:       w.OwnerID,
		OwnerType:     w.OwnerType,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Currency:      w.Currency,
		Status:        model.TransactionStatusCompleted,
		Description:   p.Description,
		ReferenceID:   p.ReferenceID,
		ReferenceType: p.ReferenceType,
		Metadata:      p.Metadata,
		CompletedAt:   &now,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO wallet_transactions
		 (code, wallet_id, owner_id, owner_type, type, amount, balance_before, balance_after,
		  currency, status, description, reference_id, reference_type, metadata, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id, created_at`,
		entry.Code, entry.WalletID, entry.OwnerID, string(entry.OwnerType), string(entry.Type),
		entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.Currency, string(entry.Status),
		entry.Description, entry.ReferenceID, string(entry.ReferenceType), metadataJSON, entry.CompletedAt,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateReference, p.ReferenceType, p.ReferenceID)
		}
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	w.Balance = delta.Balance
	w.TotalDeposited = delta.TotalDeposited
	w.TotalWithdrawn = delta.TotalWithdrawn
	w.TotalSpent = delta.TotalSpent
	w.LastTransactionAt = &now

	return entry, nil
}

// ApplyTransaction атомарно изменяет баланс кошелька и записывает запись журнала;
// при MirrorSystem в той же транзакции БД зеркалируется системный кошелёк.
// Возвращает кошелёк после операции и запись журнала владельца.
func (r *PostgresRepository) ApplyTransaction(ctx context.Context, p TxParams) (*model.Wallet, *model.WalletTransaction, error) {
	var wallet *model.Wallet
	var entry *model.WalletTransaction

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		w, err := lockWallet(ctx, tx, p.OwnerID, p.OwnerType)
		if err != nil {
			return err
		}

		e, err := applyToWallet(ctx, tx, w, p)
		if err != nil {
			return err
		}

		if p.MirrorSystem {
			// Порядок блокировок фиксирован: сначала кошелёк владельца,
			// затем системный — иначе возможен дедлок.
			sys, err := lockSystemWallet(ctx, tx)
			if err != nil {
				return err
			}
			mirror := p
			mirror.OwnerID = sys.OwnerID
			mirror.OwnerType = sys.OwnerType
			mirror.MirrorSystem = false
			if _, err := applyToWallet(ctx, tx, sys, mirror); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		wallet = w
		entry = e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return wallet, entry, nil
}

// FindTransactionByReference ищет завершённую запись журнала пользовательского
// кошелька по внешней ссылке. Используется как проверка идемпотентности зачислений.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, refType model.ReferenceType, refID string) (*model.WalletTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, wallet_id, owner_id, owner_type, type, amount, balance_before, balance_after,
		        currency, status, description, reference_id, reference_type, metadata, created_at, completed_at, failed_at
		 FROM wallet_transactions
		 WHERE reference_type = $1 AND reference_id = $2 AND owner_type = $3 AND type = $4`,
		string(refType), refID, string(model.OwnerTypeUser), string(model.TransactionTypeDeposit),
	)
	return scanTransaction(row)
}

func scanTransaction(row pgx.Row) (*model.WalletTransaction, error) {
	var e model.WalletTransaction
	var ownerType, txType, status, refType string
	var metadataJSON []byte
	err := row.Scan(&e.ID, &e.Code, &e.WalletID, &e.OwnerID, &ownerType, &txType, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.Currency, &status, &e.Description,
		&e.ReferenceID, &refType, &metadataJSON, &e.CreatedAt, &e.CompletedAt, &e.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	e.OwnerType = model.OwnerType(ownerType)
	e.Type = model.TransactionType(txType)
	e.Status = model.TransactionStatus(status)
	e.ReferenceType = model.ReferenceType(refType)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

// ListTransactions возвращает записи журнала владельца, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, ownerID string, ownerType model.OwnerType, limit int) ([]model.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, wallet_id, owner_id, owner_type, type, amount, balance_before, balance_after,
		        currency, status, description, reference_id, reference_type, metadata, created_at, completed_at, failed_at
		 FROM wallet_transactions
		 WHERE owner_id = $1 AND owner_type = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		ownerID, string(ownerType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.WalletTransaction
	for rows.Next() {
		e, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReplayBalance пересчитывает баланс кошелька суммированием журнала с нуля.
func (r *PostgresRepository) ReplayBalance(ctx context.Context, ownerID string, ownerType model.OwnerType) (int64, error) {
	var credited, debited int64
	err := r.pool.QueryRow(ctx,
		`SELECT
		    COALESCE(SUM(amount) FILTER (WHERE type IN ('deposit', 'refund')), 0),
		    COALESCE(SUM(amount) FILTER (WHERE type IN ('withdraw', 'purchase')), 0)
		 FROM wallet_transactions
		 WHERE owner_id = $1 AND owner_type = $2 AND status = 'completed'`,
		ownerID, string(ownerType),
	).Scan(&credited, &debited)
	if err != nil {
		return 0, fmt.Errorf("replay balance: %w", err)
	}
	return credited - debited, nil
}

// MirrorTotals содержит суммы для сверки пользовательских и системного кошельков.
type MirrorTotals struct {
	UserDeposited   int64
	UserWithdrawn   int64
	SystemDeposited int64
	SystemWithdrawn int64
}

// GetMirrorTotals возвращает суммы завершённых зеркалируемых операций по обеим
// сторонам двойной записи. Расхождение означает дрейф между леджерами.
func (r *PostgresRepository) GetMirrorTotals(ctx context.Context) (*MirrorTotals, error) {
	var t MirrorTotals
	err := r.pool.QueryRow(ctx,
		`SELECT
		    COALESCE(SUM(amount) FILTER (WHERE owner_type = 'user' AND type = 'deposit'), 0),
		    COALESCE(SUM(amount) FILTER (WHERE owner_type = 'user' AND type = 'withdraw'), 0),
		    COALESCE(SUM(amount) FILTER (WHERE owner_type = 'system' AND type = 'deposit'), 0),
		    COALESCE(SUM(amount) FILTER (WHERE owner_type = 'system' AND type = 'withdraw'), 0)
		 FROM wallet_transactions
		 WHERE status = 'completed'`,
	).Scan(&t.UserDeposited, &t.UserWithdrawn, &t.SystemDeposited, &t.SystemWithdrawn)
	if err != nil {
		return nil, fmt.Errorf("mirror totals: %w", err)
	}
	return &t, nil
}

// CreateGatewayTransaction сохраняет новую платёжную попытку.
func (r *PostgresRepository) CreateGatewayTransaction(ctx context.Context, gt *model.GatewayTransaction) error {
	var payloadJSON []byte
	var err error
	if len(gt.Payload) > 0 {
		payloadJSON, err = json.Marshal(gt.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	var externalID *string
	if gt.ExternalID != "" {
		externalID = &gt.ExternalID
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO gateway_transactions (id, owner_id, order_id, external_id, amount, currency, method, status, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		gt.ID, gt.OwnerID, gt.OrderID, externalID, gt.Amount, gt.Currency,
		string(gt.Method), string(gt.Status), payloadJSON,
	).Scan(&gt.CreatedAt, &gt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert gateway transaction: %w", err)
	}
	return nil
}

// SetGatewayExternalID записывает идентификатор, присвоенный провайдером.
func (r *PostgresRepository) SetGatewayExternalID(ctx context.Context, id, externalID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE gateway_transactions SET external_id = $2, updated_at = now() WHERE id = $1`,
		id, externalID,
	)
	if err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrGatewayTransactionNotFound
	}
	return nil
}

func scanGatewayTransaction(row pgx.Row) (*model.GatewayTransaction, error) {
	var gt model.GatewayTransaction
	var method, status string
	var externalID *string
	var payloadJSON []byte
	err := row.Scan(&gt.ID, &gt.OwnerID, &gt.OrderID, &externalID, &gt.Amount, &gt.Currency,
		&method, &status, &payloadJSON, &gt.CreatedAt, &gt.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGatewayTransactionNotFound
		}
		return nil, fmt.Errorf("scan gateway transaction: %w", err)
	}
	if externalID != nil {
		gt.ExternalID = *externalID
	}
	gt.Method = model.PaymentMethod(method)
	gt.Status = model.GatewayStatus(status)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &gt.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &gt, nil
}

const gatewayColumns = `id, owner_id, order_id, external_id, amount, currency, method, status, payload, created_at, updated_at`

// GetGatewayTransaction возвращает платёжную попытку по внутреннему идентификатору.
func (r *PostgresRepository) GetGatewayTransaction(ctx context.Context, id string) (*model.GatewayTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+gatewayColumns+` FROM gateway_transactions WHERE id = $1`, id)
	return scanGatewayTransaction(row)
}

// GetGatewayTransactionByExternalID возвращает платёжную попытку по идентификатору провайдера.
func (r *PostgresRepository) GetGatewayTransactionByExternalID(ctx context.Context, externalID string) (*model.GatewayTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+gatewayColumns+` FROM gateway_transactions WHERE external_id = $1`, externalID)
	return scanGatewayTransaction(row)
}

// GetGatewayTransactionByOrderID возвращает последнюю платёжную попытку по
// корреляционному токену, записанному при инициации.
func (r *PostgresRepository) GetGatewayTransactionByOrderID(ctx context.Context, orderID string) (*model.GatewayTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+gatewayColumns+` FROM gateway_transactions
		 WHERE order_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, orderID)
	return scanGatewayTransaction(row)
}

// TransitionGatewayStatus переводит платёжную попытку в статус next с проверкой
// допустимости перехода под блокировкой строки. Повторный перевод в тот же
// статус возвращает already = true без изменения записи.
func (r *PostgresRepository) TransitionGatewayStatus(ctx context.Context, id string, next model.GatewayStatus) (already bool, err error) {
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var current string
		err = tx.QueryRow(ctx,
			`SELECT status FROM gateway_transactions WHERE id = $1 FOR UPDATE`, id,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrGatewayTransactionNotFound
			}
			return fmt.Errorf("lock gateway transaction: %w", err)
		}

		cur := model.GatewayStatus(current)
		if cur == next {
			already = true
			return nil
		}
		if !cur.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, cur, next)
		}

		_, err = tx.Exec(ctx,
			`UPDATE gateway_transactions SET status = $2, updated_at = now() WHERE id = $1`,
			id, string(next),
		)
		if err != nil {
			return fmt.Errorf("update gateway status: %w", err)
		}

		return tx.Commit(ctx)
	})
	return already, err
}

// PutPendingDeposit сохраняет ожидаемое зачисление.
func (r *PostgresRepository) PutPendingDeposit(ctx context.Context, pd *model.PendingDeposit) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pending_deposits (token, owner_id, owner_type, amount, method, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pd.Token, pd.OwnerID, string(pd.OwnerType), pd.Amount, string(pd.Method), pd.CreatedAt, pd.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending deposit: %w", err)
	}
	return nil
}

func scanPendingDeposit(row pgx.Row) (*model.PendingDeposit, error) {
	var pd model.PendingDeposit
	var ownerType, method string
	err := row.Scan(&pd.Token, &pd.OwnerID, &ownerType, &pd.Amount, &method, &pd.CreatedAt, &pd.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPendingDepositNotFound
		}
		return nil, fmt.Errorf("scan pending deposit: %w", err)
	}
	pd.OwnerType = model.OwnerType(ownerType)
	pd.Method = model.PaymentMethod(method)
	return &pd, nil
}

// GetPendingDeposit возвращает живое (не истёкшее) ожидаемое зачисление по токену.
func (r *PostgresRepository) GetPendingDeposit(ctx context.Context, token string) (*model.PendingDeposit, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT token, owner_id, owner_type, amount, method, created_at, expires_at
		 FROM pending_deposits
		 WHERE token = $1 AND expires_at > now()`,
		token,
	)
	return scanPendingDeposit(row)
}

// ListLivePendingDeposits возвращает все живые ожидаемые зачисления.
func (r *PostgresRepository) ListLivePendingDeposits(ctx context.Context) ([]model.PendingDeposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT token, owner_id, owner_type, amount, method, created_at, expires_at
		 FROM pending_deposits
		 WHERE expires_at > now()
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending deposits: %w", err)
	}
	defer rows.Close()

	var res []model.PendingDeposit
	for rows.Next() {
		pd, err := scanPendingDeposit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *pd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ConsumePendingDeposit атомарно удаляет и возвращает ожидаемое зачисление.
// Две конкурентные доставки одного уведомления получат запись ровно один раз.
func (r *PostgresRepository) ConsumePendingDeposit(ctx context.Context, token string) (*model.PendingDeposit, error) {
	row := r.pool.QueryRow(ctx,
		`DELETE FROM pending_deposits
		 WHERE token = $1
		 RETURNING token, owner_id, owner_type, amount, method, created_at, expires_at`,
		token,
	)
	return scanPendingDeposit(row)
}

// DeleteExpiredPendingDeposits удаляет истёкшие записи и возвращает их число.
func (r *PostgresRepository) DeleteExpiredPendingDeposits(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM pending_deposits WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired pending deposits: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
