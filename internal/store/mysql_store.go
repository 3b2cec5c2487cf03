package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentMesh-Chain/internal/catalogue"
	xerrors "AgentMesh-Chain/internal/errors"
)

// schema 创建智能体表；重复执行是幂等的。
const schema = `CREATE TABLE IF NOT EXISTS agents (
	id VARCHAR(128) PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	description TEXT,
	system_prompt TEXT,
	tools JSON,
	keywords JSON,
	wallet VARCHAR(128),
	script MEDIUMTEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// MySQLConfig 描述 MySQL 智能体存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 将智能体定义保存在 MySQL 中。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接、校验连通性并确保表结构存在。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if cfg.DSN == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 连接失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化智能体表失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, def catalogue.Definition) (*AgentRecord, error) {
	if def.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	tools, keywords, err := marshalFields(def)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, description, system_prompt, tools, keywords, wallet, script, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Description, def.SystemPrompt, tools, keywords,
		def.Wallet, def.Script, now.Unix(), now.Unix())
	if err != nil {
		if isDuplicateKey(err) {
			return nil, ErrAgentExists
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return &AgentRecord{Definition: def, CreatedAt: now, UpdatedAt: now}, nil
}

// Get 返回智能体记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, system_prompt, tools, keywords, wallet, script, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	record, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return record, nil
}

// List 返回全部记录，按 ID 排序。
func (s *MySQLStore) List(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, system_prompt, tools, keywords, wallet, script, created_at, updated_at
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var results []*AgentRecord
	for rows.Next() {
		record, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体记录失败")
	}
	return results, nil
}

// Update 覆盖既有记录。
func (s *MySQLStore) Update(ctx context.Context, def catalogue.Definition) (*AgentRecord, error) {
	tools, keywords, err := marshalFields(def)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, description = ?, system_prompt = ?, tools = ?, keywords = ?,
		 wallet = ?, script = ?, updated_at = ? WHERE id = ?`,
		def.Name, def.Description, def.SystemPrompt, tools, keywords,
		def.Wallet, def.Script, now.Unix(), def.ID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		return nil, ErrAgentNotFound
	}
	return &AgentRecord{Definition: def, UpdatedAt: now}, nil
}

// Delete 删除记录。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除智能体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		record           AgentRecord
		tools, keywords  sql.NullString
		wallet, script   sql.NullString
		created, updated int64
	)
	if err := row.Scan(&record.ID, &record.Name, &record.Description, &record.SystemPrompt,
		&tools, &keywords, &wallet, &script, &created, &updated); err != nil {
		return nil, err
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &record.Tools); err != nil {
			return nil, fmt.Errorf("解析工具列表失败: %w", err)
		}
	}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &record.Keywords); err != nil {
			return nil, fmt.Errorf("解析关键词失败: %w", err)
		}
	}
	record.Wallet = wallet.String
	record.Script = script.String
	record.CreatedAt = time.Unix(created, 0)
	record.UpdatedAt = time.Unix(updated, 0)
	return &record, nil
}

func marshalFields(def catalogue.Definition) (string, string, error) {
	tools, err := json.Marshal(def.Tools)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具列表失败")
	}
	keywords, err := json.Marshal(def.Keywords)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化关键词失败")
	}
	return string(tools), string(keywords), nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		// 1062: duplicate entry for primary key.
		return mysqlErr.Number == 1062
	}
	return false
}

var _ Store = (*MySQLStore)(nil)
