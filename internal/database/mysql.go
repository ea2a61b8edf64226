package database

import (
	"database/sql"
	"fmt"
	"log"

	"smshub-agent/internal/config"

	_ "github.com/go-sql-driver/mysql"
)

// 表名常量
const (
	TableModems      = "modems"
	TableActivations = "activations"
	TableSMSMessages = "sms_messages"
)

// SQL 建表语句常量
// 使用 InnoDB 引擎支持事务,utf8mb4 支持完整 Unicode 字符集
const (
	// createModemsTableSQL 模块表
	// port 唯一,一个串口只对应一条模块记录
	createModemsTableSQL = `
		CREATE TABLE IF NOT EXISTS modems (
			id BIGINT AUTO_INCREMENT PRIMARY KEY COMMENT '模块ID',
			port VARCHAR(128) NOT NULL COMMENT '串口路径',
			imei VARCHAR(32) DEFAULT '' COMMENT 'IMEI',
			iccid VARCHAR(32) DEFAULT '' COMMENT 'ICCID',
			operator VARCHAR(64) DEFAULT '' COMMENT '运营商',
			phone_number VARCHAR(32) DEFAULT '' COMMENT 'SIM 卡号码',
			country VARCHAR(16) DEFAULT '' COMMENT '国家',
			status VARCHAR(16) NOT NULL DEFAULT 'offline' COMMENT '状态',
			signal_quality INT NOT NULL DEFAULT 0 COMMENT '信号质量 0-100',
			created_at DATETIME(3) NOT NULL COMMENT '创建时间',
			updated_at DATETIME(3) NOT NULL COMMENT '更新时间',
			UNIQUE KEY uk_port (port),
			INDEX idx_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		COMMENT='GSM 模块'
	`

	// createActivationsTableSQL 激活表
	// activation_id 为平台下发的唯一标识
	createActivationsTableSQL = `
		CREATE TABLE IF NOT EXISTS activations (
			id BIGINT AUTO_INCREMENT PRIMARY KEY COMMENT '自增ID',
			activation_id VARCHAR(64) NOT NULL COMMENT '平台激活ID',
			modem_id BIGINT NOT NULL COMMENT '模块ID',
			phone_number VARCHAR(32) NOT NULL COMMENT '激活号码',
			service VARCHAR(32) NOT NULL COMMENT '服务代码',
			operator VARCHAR(64) DEFAULT '' COMMENT '运营商',
			country VARCHAR(16) DEFAULT '' COMMENT '国家',
			price DECIMAL(10,4) NOT NULL DEFAULT 0 COMMENT '价格',
			currency INT NOT NULL DEFAULT 0 COMMENT '货币代码 ISO 4217',
			status TINYINT NOT NULL COMMENT '激活状态 1-6',
			created_at DATETIME(3) NOT NULL COMMENT '创建时间',
			updated_at DATETIME(3) NOT NULL COMMENT '更新时间',
			UNIQUE KEY uk_activation_id (activation_id),
			INDEX idx_modem_status (modem_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		COMMENT='号码激活'
	`

	// createSMSMessagesTableSQL 短信表
	// delivered 为真后不再变化
	createSMSMessagesTableSQL = `
		CREATE TABLE IF NOT EXISTS sms_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY COMMENT '自增ID',
			sms_id VARCHAR(64) NOT NULL COMMENT '短信ID',
			modem_id BIGINT NOT NULL COMMENT '模块ID',
			activation_id VARCHAR(64) DEFAULT NULL COMMENT '关联激活ID',
			phone_from VARCHAR(64) NOT NULL COMMENT '发件人',
			phone_to VARCHAR(32) NOT NULL DEFAULT '' COMMENT '收件号码',
			text TEXT NOT NULL COMMENT '短信内容',
			delivered BOOLEAN NOT NULL DEFAULT FALSE COMMENT '是否已推送',
			delivery_attempts INT NOT NULL DEFAULT 0 COMMENT '推送次数',
			last_error TEXT DEFAULT NULL COMMENT '最近一次推送错误',
			created_at DATETIME(3) NOT NULL COMMENT '创建时间',
			updated_at DATETIME(3) NOT NULL COMMENT '更新时间',
			UNIQUE KEY uk_sms_id (sms_id),
			INDEX idx_delivered (delivered),
			INDEX idx_activation (activation_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
		COMMENT='收到的短信'
	`
)

// MySQLDB MySQL 数据库连接管理器
// 封装连接池和表初始化逻辑
type MySQLDB struct {
	*sql.DB
}

// NewMySQLDB 创建 MySQL 数据库连接
// 自动配置连接池参数并测试连接可用性
func NewMySQLDB(mysqlConfig config.MySQLConfig) (*MySQLDB, error) {
	database, err := sql.Open("mysql", mysqlConfig.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	database.SetMaxOpenConns(mysqlConfig.MaxOpenConns)
	database.SetMaxIdleConns(mysqlConfig.MaxIdleConns)
	database.SetConnMaxLifetime(mysqlConfig.ConnMaxLifetime)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("[MYSQL] 数据库连接成功")
	return &MySQLDB{DB: database}, nil
}

// InitTables 初始化数据库表结构
// 幂等操作,多次执行不会产生副作用
func (database *MySQLDB) InitTables() error {
	tables := []tableDefinition{
		{name: TableModems, sql: createModemsTableSQL},
		{name: TableActivations, sql: createActivationsTableSQL},
		{name: TableSMSMessages, sql: createSMSMessagesTableSQL},
	}

	for _, table := range tables {
		if _, err := database.Exec(table.sql); err != nil {
			log.Printf("[MYSQL] 创建表 %s 失败: %v", table.name, err)
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
	}

	log.Printf("[MYSQL] 数据库表初始化完成")
	return nil
}

// tableDefinition 表定义结构
type tableDefinition struct {
	name string
	sql  string
}

// Close 关闭数据库连接
func (database *MySQLDB) Close() error {
	if err := database.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}
