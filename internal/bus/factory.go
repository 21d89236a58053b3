package bus

import (
	"fmt"
	"strings"

	"github.com/ricesearch/recipe-eval/internal/config"
	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

// NewBus creates a Bus from configuration. When an event log path is set
// the bus is wrapped so every published event is also appended to it.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	var inner Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		inner = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		group := cfg.KafkaGroup
		if group == "" {
			group = "recipe-eval"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: group,
			ClientID:      "recipe-eval-bus",
		}, log)
		if err != nil {
			return nil, err
		}
		inner = kb

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return inner, nil
	}

	eventLog, err := NewEventLog(cfg.EventLog)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return NewLoggedBus(inner, eventLog, log), nil
}
