// Package warehouse 负责 K 线的持久化与多周期收盘价查询
package warehouse

import (
	"context"
	"time"

	"crypto-exec-engine/internal/api"
	"crypto-exec-engine/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CloseSource 多周期收盘价来源，Signaling 阶段唯一的数据依赖
type CloseSource interface {
	FetchMultiIntervalCloses(ctx context.Context, symbol string, intervals []string, window int) (model.MultiIntervalCloses, error)
}

// KlineBar K 线存储行，(symbol, bar_interval, start_time) 唯一
type KlineBar struct {
	ID          uint   `gorm:"primaryKey"`
	Symbol      string `gorm:"size:32;uniqueIndex:idx_bar_key"`
	BarInterval string `gorm:"size:8;uniqueIndex:idx_bar_key"`
	StartTime   int64  `gorm:"uniqueIndex:idx_bar_key"` // 毫秒时间戳
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// TableName 固定表名
func (KlineBar) TableName() string {
	return "kline_bars"
}

// Open 连接数据库并迁移表结构
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&KlineBar{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store K 线仓库；本地窗口不足时从交易所回填
type Store struct {
	db     *gorm.DB
	conn   api.Connector
	logger *zap.Logger
}

// NewStore 初始化仓库
func NewStore(db *gorm.DB, conn api.Connector, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		conn:   conn,
		logger: logger.With(zap.String("component", "warehouse")),
	}
}

// UpsertBar 写入或更新一根 K 线
func (s *Store) UpsertBar(ctx context.Context, bar model.KLine) error {
	row := KlineBar{
		Symbol:      bar.Symbol,
		BarInterval: bar.Interval,
		StartTime:   bar.StartTime.UnixMilli(),
		Open:        bar.Open,
		High:        bar.High,
		Low:         bar.Low,
		Close:       bar.Close,
		Volume:      bar.Volume,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "bar_interval"}, {Name: "start_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
	}).Create(&row).Error
}

// FetchMultiIntervalCloses 返回各周期对齐后的收盘价序列 (旧 -> 新)
func (s *Store) FetchMultiIntervalCloses(ctx context.Context, symbol string, intervals []string, window int) (model.MultiIntervalCloses, error) {
	out := make(model.MultiIntervalCloses, len(intervals))
	for _, interval := range intervals {
		closes, err := s.recentCloses(ctx, symbol, interval, window)
		if err != nil {
			return nil, err
		}
		if len(closes) < window {
			// 本地窗口不足，从交易所回填后重新读取
			if err := s.backfill(ctx, symbol, interval, window); err != nil {
				return nil, err
			}
			if closes, err = s.recentCloses(ctx, symbol, interval, window); err != nil {
				return nil, err
			}
		}
		out[interval] = closes
	}
	return out, nil
}

// recentCloses 读取最近 window 根收盘价并转为升序
func (s *Store) recentCloses(ctx context.Context, symbol, interval string, window int) ([]float64, error) {
	var rows []KlineBar
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND bar_interval = ?", symbol, interval).
		Order("start_time DESC").
		Limit(window).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	closes := make([]float64, len(rows))
	for i, row := range rows {
		closes[len(rows)-1-i] = row.Close
	}
	return closes, nil
}

func (s *Store) backfill(ctx context.Context, symbol, interval string, window int) error {
	started := time.Now()
	klines, err := s.conn.FetchKlines(ctx, symbol, interval, window)
	if err != nil {
		return err
	}
	for _, k := range klines {
		if err := s.UpsertBar(ctx, k); err != nil {
			return err
		}
	}
	s.logger.Info("kline backfill done",
		zap.String("Symbol", symbol),
		zap.String("Interval", interval),
		zap.Int("Bars", len(klines)),
		zap.Duration("Took", time.Since(started)))
	return nil
}
