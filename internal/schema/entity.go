package schema

import "github.com/yanun0323/errors"

var ErrUnknownEntityType = errors.New("schema: unknown entity type")

// EntityType identifies a replicated trading entity category.
type EntityType uint8

const (
	EntityUnknown EntityType = iota
	EntityProfile
	EntityPortfolio
	EntityOrder
	EntityPosition
	EntityTrade
	EntityOptionsPosition
	EntityStrategy
	EntityFundingPayment
	EntityLiquidation
	EntityMarginHistory
	EntityPortfolioSnapshot
	EntityInsuranceFund
	EntityPredictionHistory
)

// AllEntityTypes lists every replicable type in declaration order.
var AllEntityTypes = []EntityType{
	EntityProfile,
	EntityPortfolio,
	EntityOrder,
	EntityPosition,
	EntityTrade,
	EntityOptionsPosition,
	EntityStrategy,
	EntityFundingPayment,
	EntityLiquidation,
	EntityMarginHistory,
	EntityPortfolioSnapshot,
	EntityInsuranceFund,
	EntityPredictionHistory,
}

var entityNames = map[EntityType]string{
	EntityProfile:           "profile",
	EntityPortfolio:         "portfolio",
	EntityOrder:             "order",
	EntityPosition:          "position",
	EntityTrade:             "trade",
	EntityOptionsPosition:   "options_position",
	EntityStrategy:          "strategy",
	EntityFundingPayment:    "funding_payment",
	EntityLiquidation:       "liquidation",
	EntityMarginHistory:     "margin_history",
	EntityPortfolioSnapshot: "portfolio_snapshot",
	EntityInsuranceFund:     "insurance_fund",
	EntityPredictionHistory: "prediction_history",
}

var entityByName = func() map[string]EntityType {
	m := make(map[string]EntityType, len(entityNames))
	for et, name := range entityNames {
		m[name] = et
	}
	return m
}()

func (et EntityType) String() string {
	if name, ok := entityNames[et]; ok {
		return name
	}
	return "unknown"
}

// ParseEntityType resolves the wire form of an entity type.
func ParseEntityType(name string) (EntityType, error) {
	if et, ok := entityByName[name]; ok {
		return et, nil
	}
	return EntityUnknown, errors.Wrap(ErrUnknownEntityType, name)
}

// MarshalText implements encoding.TextMarshaler for JSON keys and fields.
func (et EntityType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (et *EntityType) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityType(string(text))
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}

// TableName returns the storage table backing this entity type.
func (et EntityType) TableName() string {
	switch et {
	case EntityProfile:
		return "profiles"
	case EntityPortfolio:
		return "portfolios"
	case EntityOrder:
		return "orders"
	case EntityPosition:
		return "positions"
	case EntityTrade:
		return "trades"
	case EntityOptionsPosition:
		return "options_positions"
	case EntityStrategy:
		return "strategies"
	case EntityFundingPayment:
		return "funding_payments"
	case EntityLiquidation:
		return "liquidations"
	case EntityMarginHistory:
		return "margin_history"
	case EntityPortfolioSnapshot:
		return "portfolio_snapshots"
	case EntityInsuranceFund:
		return "insurance_fund"
	case EntityPredictionHistory:
		return "prediction_history"
	default:
		return ""
	}
}

// Priority returns the sync priority for this entity type (0 = highest).
func (et EntityType) Priority() uint8 {
	switch et {
	case EntityOrder:
		return 0
	case EntityPosition:
		return 1
	case EntityPortfolio:
		return 2
	case EntityTrade, EntityLiquidation:
		return 3
	case EntityInsuranceFund:
		return 4
	case EntityOptionsPosition:
		return 5
	case EntityFundingPayment:
		return 6
	case EntityMarginHistory:
		return 7
	case EntityProfile, EntityStrategy:
		return 8
	case EntityPortfolioSnapshot:
		return 9
	default:
		return 10
	}
}

// AppendOnly reports whether rows of this type are never updated after creation.
func (et EntityType) AppendOnly() bool {
	switch et {
	case EntityTrade, EntityFundingPayment, EntityLiquidation,
		EntityMarginHistory, EntityPortfolioSnapshot, EntityPredictionHistory:
		return true
	default:
		return false
	}
}

// ConsistencyModel selects ordered version-checked apply vs best-effort apply.
type ConsistencyModel uint8

const (
	// ConsistencyStrong requires updates applied in version order with gap checks.
	ConsistencyStrong ConsistencyModel = iota
	// ConsistencyEventual allows out-of-order apply, reconciled later.
	ConsistencyEventual
)

func (c ConsistencyModel) String() string {
	if c == ConsistencyStrong {
		return "strong"
	}
	return "eventual"
}

// Consistency returns the consistency model for this entity type.
func (et EntityType) Consistency() ConsistencyModel {
	switch et {
	case EntityOrder, EntityPosition, EntityPortfolio,
		EntityOptionsPosition, EntityInsuranceFund:
		return ConsistencyStrong
	default:
		return ConsistencyEventual
	}
}

// ConflictStrategy selects the winner when two nodes hold divergent versions.
type ConflictStrategy uint8

const (
	// StrategyPrimaryWins keeps the designated primary node's value.
	StrategyPrimaryWins ConflictStrategy = iota
	// StrategyLastWriteWins keeps the larger timestamp, node id breaking ties.
	StrategyLastWriteWins
	// StrategyReject discards the incoming update and keeps the existing row.
	StrategyReject
	// StrategyMerge keeps both rows; append-only facts never compete.
	StrategyMerge
)

func (s ConflictStrategy) String() string {
	switch s {
	case StrategyPrimaryWins:
		return "primary_wins"
	case StrategyLastWriteWins:
		return "last_write_wins"
	case StrategyReject:
		return "reject"
	case StrategyMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Strategy returns the conflict resolution strategy for this entity type.
func (et EntityType) Strategy() ConflictStrategy {
	switch et {
	case EntityTrade, EntityFundingPayment, EntityLiquidation,
		EntityMarginHistory, EntityPortfolioSnapshot, EntityPredictionHistory:
		return StrategyMerge
	case EntityOrder, EntityPosition, EntityInsuranceFund:
		return StrategyPrimaryWins
	default:
		return StrategyLastWriteWins
	}
}
