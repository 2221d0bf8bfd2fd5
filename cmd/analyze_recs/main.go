// Offline analysis tool: prints per-strategy performance of closed
// recommendations straight from the database.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"perp-advisor/config"
	"perp-advisor/internal/database"
	"perp-advisor/internal/stats"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := database.NewRepository(db)
	calc := stats.NewCalculator(repo, stats.Config{}, logger)

	period := stats.PeriodAllTime
	if len(os.Args) > 1 {
		period = os.Args[1]
	}

	overall, err := calc.Overall(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to compute statistics: %v\n", err)
		os.Exit(1)
	}

	strategies, err := calc.AllStrategies(ctx, period)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to compute strategy statistics: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("RECOMMENDATION PERFORMANCE ANALYSIS")
	fmt.Printf("Period: %s\n\n", period)
	fmt.Printf("Total closed: %d   Wins: %d   Losses: %d   Break-even: %d\n",
		overall.Total, overall.Wins, overall.Losses, overall.BreakEvens)
	fmt.Printf("Win rate: %.1f%%   Total PnL: %.2f%%   Avg PnL: %.2f%%\n\n",
		overall.WinRate*100, overall.TotalPnLPercent, overall.AvgPnLPercent)

	sort.Slice(strategies, func(i, j int) bool {
		return strategies[i].Summary.TotalPnLPercent > strategies[j].Summary.TotalPnLPercent
	})

	fmt.Printf("%-25s %8s %8s %8s %10s\n", "STRATEGY", "CLOSED", "WINS", "WINRATE", "PNL%")
	for _, s := range strategies {
		fmt.Printf("%-25s %8d %8d %7.1f%% %9.2f%%\n",
			s.StrategyType, s.Summary.Total, s.Summary.Wins,
			s.Summary.WinRate*100, s.Summary.TotalPnLPercent)
	}
}
