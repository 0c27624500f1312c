package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"showerreco/internal/config"
	"showerreco/internal/eventio"
	"showerreco/internal/geometry"
	"showerreco/internal/instrument"
	"showerreco/internal/logging"
	"showerreco/internal/pipeline"
	"showerreco/internal/storage"
)

func main() {
	fmt.Println("🔍 Testing simulate -> reconstruct round trip")

	dir, err := os.MkdirTemp("", "showerreco-integration")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.New(filepath.Join(dir, "test_integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	inst, err := instrument.New("integration", []instrument.Telescope{
		{ID: 1, Position: [3]float64{0, 0, 0}, FocalLength: 28, MirrorArea: 386},
		{ID: 2, Position: [3]float64{150, 60, 0}, FocalLength: 16, MirrorArea: 100},
		{ID: 3, Position: [3]float64{-80, 140, 0}, FocalLength: 16, MirrorArea: 100},
		{ID: 4, Position: [3]float64{-60, -150, 0}, FocalLength: 16, MirrorArea: 100},
	})
	if err != nil {
		log.Fatal("Failed to build instrument:", err)
	}
	instPath := filepath.Join(dir, "array.json")
	if err := inst.Save(instPath); err != nil {
		log.Fatal("Failed to save instrument:", err)
	}
	fmt.Printf("✅ Instrument with %d telescopes written\n", inst.Len())

	cfg := config.Default()
	cfg.Paths.DefaultOutput = dir
	logger := logging.New("warn", "text")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pipe := pipeline.New(ctx, cfg, logger, store, nil)
	defer pipe.Stop()

	events := filepath.Join(dir, "events.csv")
	truthPath := filepath.Join(dir, "truth.csv")
	res := pipe.Run(ctx, pipeline.NewJob(pipeline.JobSimulate, "", events, instPath, map[string]any{
		pipeline.OptEvents: 500,
		pipeline.OptSeed:   42,
		pipeline.OptTruth:  truthPath,
	}))
	if res.Error != nil {
		log.Fatal("Simulation failed:", res.Error)
	}
	fmt.Printf("✅ Simulated %v events\n", res.Meta["events"])

	start := time.Now()
	output := filepath.Join(dir, "predictions.csv")
	job := pipeline.NewJob(pipeline.JobReconstruct, events, output, instPath, map[string]any{
		pipeline.OptHeight:    "triangulate",
		pipeline.OptReportDir: filepath.Join(dir, "report"),
	})
	res = pipe.Run(ctx, job)
	if res.Error != nil {
		log.Fatal("Reconstruction failed:", res.Error)
	}
	fmt.Printf("✅ Reconstructed %v of %v events in %s\n", res.Meta["reconstructed"], res.Meta["events"], time.Since(start).Round(time.Millisecond))

	preds, err := eventio.ReadPredictionsFile(output)
	if err != nil {
		log.Fatal("Failed to read predictions:", err)
	}
	truth, err := eventio.ReadPredictionsFile(truthPath)
	if err != nil {
		log.Fatal("Failed to read truth:", err)
	}
	want := make(map[int64]r3.Vec, len(truth))
	for _, p := range truth {
		want[p.ArrayEventID] = geometry.Direction(math.Pi/2-p.AltPrediction, p.AzPrediction)
	}

	var worst float64
	compared := 0
	for _, p := range preds {
		if math.IsNaN(p.AltPrediction) {
			continue
		}
		exp, ok := want[p.ArrayEventID]
		if !ok {
			continue
		}
		sep := geometry.AngularSeparation(geometry.Direction(math.Pi/2-p.AltPrediction, p.AzPrediction), exp)
		worst = math.Max(worst, sep)
		compared++
	}
	fmt.Printf("📊 Compared %d events, worst angular error %.3g rad\n", compared, worst)

	stored, err := store.EventPredictions(job.ID)
	if err != nil {
		log.Fatal("Failed to read stored predictions:", err)
	}
	fmt.Printf("📊 %d predictions stored for job %s\n", len(stored), job.ID)
	if files, ok := res.Meta["report"].([]string); ok {
		for _, f := range files {
			fmt.Printf("🖼  %s\n", f)
		}
	}

	if compared == 0 || worst > 1e-6 {
		fmt.Println("❌ Round trip outside tolerance")
		os.Exit(1)
	}
	fmt.Println("\n✅ Test completed.")
}
