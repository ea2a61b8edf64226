package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"smshub-agent/internal/config"
	"smshub-agent/internal/database"
	"smshub-agent/internal/store"
)

const scanBatchSize = 500

var (
	configFile = flag.String("config", "etc/app.yaml", "配置文件路径")
	mode       = flag.String("mode", "init", "操作模式: init|verify|repair|cleanup")
	dryRun     = flag.Bool("dry-run", false, "仅预览，不执行实际操作")
)

func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	maintainer := &Maintainer{cfg: &cfg, dryRun: *dryRun}
	defer maintainer.Close()

	switch *mode {
	case "init":
		maintainer.connectMySQL()
		log.Printf("表结构已就绪")
	case "verify":
		maintainer.connectMySQL()
		maintainer.VerifyLeases()
	case "repair":
		maintainer.connectMySQL()
		maintainer.RepairLeases()
	case "cleanup":
		maintainer.connectRedis()
		maintainer.CleanupRedisData()
	default:
		log.Fatalf("未知模式: %s", *mode)
	}
}

// Maintainer 存储维护：建表、租用一致性检查、Redis 键清理
type Maintainer struct {
	cfg    *config.Config
	dryRun bool
	redis  *redis.Client
	mysql  *database.MySQLDB
	store  store.Store
}

func (m *Maintainer) connectMySQL() {
	mysqlDB, err := database.NewMySQLDB(m.cfg.Storage.MySQL)
	if err != nil {
		log.Fatalf("MySQL连接失败: %v", err)
	}
	if err := mysqlDB.InitTables(); err != nil {
		log.Fatalf("表初始化失败: %v", err)
	}
	m.mysql = mysqlDB
	m.store = store.NewMySQL(mysqlDB.DB)
}

func (m *Maintainer) connectRedis() {
	if m.cfg.Storage.RedisAddr == "" {
		log.Fatalf("未配置 Redis")
	}
	m.redis = redis.NewClient(&redis.Options{Addr: m.cfg.Storage.RedisAddr})
}

// Close 释放连接
func (m *Maintainer) Close() {
	if m.redis != nil {
		m.redis.Close()
	}
	if m.mysql != nil {
		m.mysql.Close()
	}
}

// VerifyLeases 输出租用不一致的模块与未投递短信数量
func (m *Maintainer) VerifyLeases() {
	ctx := context.Background()

	issues, err := store.AuditLeases(ctx, m.store)
	if err != nil {
		log.Fatalf("检查租用失败: %v", err)
	}
	for _, issue := range issues {
		log.Printf("模块 %d (%s) 状态 %s: %s %s", issue.ModemID, issue.Port, issue.Status, issue.Problem, issue.ActivationID)
	}

	undelivered, err := m.store.ListUndelivered(ctx)
	if err != nil {
		log.Fatalf("统计未投递短信失败: %v", err)
	}

	log.Printf("租用不一致: %d, 未投递短信: %d", len(issues), len(undelivered))
	if len(issues) == 0 {
		log.Printf("数据一致性验证通过")
	}
}

// RepairLeases 释放没有激活的 busy 模块，下次上线时重新判定状态
func (m *Maintainer) RepairLeases() {
	ctx := context.Background()

	issues, err := store.AuditLeases(ctx, m.store)
	if err != nil {
		log.Fatalf("检查租用失败: %v", err)
	}
	if m.dryRun {
		log.Printf("[dry-run] 发现 %d 个问题，未修改", len(issues))
		return
	}

	repaired, err := store.RepairLeakedLeases(ctx, m.store, issues)
	if err != nil {
		log.Fatalf("修复失败: %v", err)
	}
	log.Printf("修复完成: 释放了 %d 个模块", repaired)
}

// CleanupRedisData 删除命名空间下的去重键与事件历史
func (m *Maintainer) CleanupRedisData() {
	ctx := context.Background()
	namespace := m.cfg.Storage.Namespace

	for _, pattern := range []string{
		fmt.Sprintf("%s:idemp:*", namespace),
		fmt.Sprintf("%s:event_history:*", namespace),
	} {
		deleted, err := m.deleteMatching(ctx, pattern)
		if err != nil {
			log.Fatalf("清理 %s 失败: %v", pattern, err)
		}
		log.Printf("清理 %s: %d 个键", pattern, deleted)
	}
}

func (m *Maintainer) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 && !m.dryRun {
			if err := m.redis.Del(ctx, keys...).Err(); err != nil {
				return deleted, err
			}
		}
		deleted += len(keys)

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
