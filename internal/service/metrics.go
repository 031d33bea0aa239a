package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики попыток регистрации и восстановления.
var (
	// attemptsTotal — завершённые попытки по терминальному состоянию.
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_attempts_total",
		Help: "Общее количество завершённых попыток регистрации",
	}, []string{"state"})

	// attemptDurationSeconds — длительность попытки от маркера до терминального состояния.
	attemptDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "im_attempt_duration_seconds",
		Help:    "Длительность попытки регистрации в секундах",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"state"})

	// activeAttempts — попытки, находящиеся в обработке.
	activeAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_active_attempts",
		Help: "Количество попыток регистрации в обработке",
	})

	// rollbacksTotal — откаты по классификации и действию.
	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_rollbacks_total",
		Help: "Общее количество откатов попыток",
	}, []string{"classification", "action"})

	// failedPermanentlyTotal — попытки, откат которых не удалось завершить.
	failedPermanentlyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_failed_permanently_total",
		Help: "Общее количество попыток в состоянии FAILED_PERMANENTLY",
	})

	// recoveryActionsTotal — действия Recovery Manager.
	recoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_recovery_actions_total",
		Help: "Общее количество действий восстановления после сбоя",
	}, []string{"action"})

	// deleterRunsTotal — количество циклов фонового удаления.
	deleterRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_deleter_runs_total",
		Help: "Общее количество циклов фонового удаления",
	})

	// deleterPathsDeletedTotal — количество удалённых путей.
	deleterPathsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_deleter_paths_deleted_total",
		Help: "Общее количество путей, удалённых фоновым удалением",
	})

	// deleterDurationSeconds — длительность цикла фонового удаления.
	deleterDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_deleter_duration_seconds",
		Help:    "Длительность цикла фонового удаления в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)
