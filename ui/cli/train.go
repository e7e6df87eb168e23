// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/dataset"
	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/i18n"
	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/model"
	"github.com/pathscope/pathscope/internal/project"
	"github.com/pathscope/pathscope/internal/train"
)

var (
	trainOutcome     string
	trainModelName   string
	trainModelType   string
	trainStrategy    string
	trainK           int
	trainFold        int
	trainValFraction float64
	trainEpochs      int
	trainBatchSize   int
	trainLR          float64
	trainMaxTiles    int
	trainSeed        int64
	trainTilePX      int
	trainTileUM      int
	trainBalance     bool
)

// splitSamples loads featurized tiles for both sides of a split.
func splitSamples(d *dataset.Dataset, labels map[string]dataset.Label, split *dataset.Split, maxPerSlide int) (trainSet, valSet []train.Sample, err error) {
	side := map[string]bool{} // true = validation
	for _, s := range split.Train {
		side[s] = false
	}
	for _, s := range split.Val {
		side[s] = true
	}

	labelFor := func(slideName string) (int, float64, bool) {
		l, ok := labels[slideName]
		if !ok {
			return 0, 0, false
		}
		return l.Index, l.Value, true
	}

	samples, err := train.LoadSamples(d.TFRecords(), labelFor, maxPerSlide)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range samples {
		if isVal, ok := side[s.Slide]; ok && isVal {
			valSet = append(valSet, s)
		} else if ok {
			trainSet = append(trainSet, s)
		}
	}
	return trainSet, valSet, nil
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a tile classifier on the extracted archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trainOutcome == "" {
			return fmt.Errorf("--outcome is required")
		}
		if trainModelName == "" {
			trainModelName = trainOutcome
		}

		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		d, err := p.Dataset(trainTilePX, trainTileUM)
		if err != nil {
			return err
		}
		d = d.FilterBlank(trainOutcome)

		useFloat := trainModelType == train.ModelLinear
		labels, classes, err := d.Labels(trainOutcome, useFloat)
		if err != nil {
			return err
		}

		split, err := d.TrainingValidationSplit(trainOutcome, dataset.SplitOptions{
			Strategy:    trainStrategy,
			K:           trainK,
			FoldIndex:   trainFold,
			ValFraction: trainValFraction,
			BalanceBy:   trainOutcome,
			UseFloat:    useFloat,
			Seed:        trainSeed,
		})
		if err != nil {
			return err
		}
		logging.Infof("split: %d training slides, %d validation slides", len(split.Train), len(split.Val))

		trainSet, valSet, err := splitSamples(d, labels, split, trainMaxTiles)
		if err != nil {
			return err
		}
		logging.Infof("loaded %d training and %d validation tiles", len(trainSet), len(valSet))

		if trainBalance {
			if useFloat {
				return fmt.Errorf("--balance requires a categorical outcome")
			}
			weights, err := d.Balance(trainOutcome)
			if err != nil {
				return err
			}
			for i := range trainSet {
				trainSet[i].Weight = weights[trainSet[i].Slide]
			}
		}

		backend, err := train.ActiveBackend()
		if err != nil {
			return err
		}
		hp := train.DefaultHyperParams(trainTilePX, trainTileUM)
		hp.ModelType = trainModelType
		hp.Epochs = trainEpochs
		hp.BatchSize = trainBatchSize
		hp.LearningRate = trainLR
		hp.Seed = trainSeed

		fmt.Println(i18n.T("train.cli_starting"))
		trained, history, err := train.Train(cmd.Context(), backend, hp, classes, trainSet, valSet)
		if err != nil {
			return err
		}

		ckptPath := filepath.Join(p.ModelsPath(), trainModelName+train.CheckpointExt)
		if err := train.SaveCheckpoint(ckptPath, trained, history); err != nil {
			return err
		}

		paramsJSON, _ := json.Marshal(hp)
		metricsJSON, _ := json.Marshal(history)
		if _, err := db.Active().RecordTrainingRun(model.TrainingRun{
			Name:        trainModelName,
			Backend:     backend.Name(),
			ParamsJSON:  string(paramsJSON),
			MetricsJSON: string(metricsJSON),
			Checkpoint:  ckptPath,
		}); err != nil {
			return fmt.Errorf("failed to record training run: %w", err)
		}

		fmt.Println(i18n.T("train.cli_done"))
		fmt.Printf("Model: %s\n", ckptPath)
		fmt.Printf("Best epoch %d, validation loss %.4f\n", history.BestEpoch, history.BestValLoss)
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <model>",
	Short: "Evaluate a trained model on the filtered dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if trainOutcome == "" {
			return fmt.Errorf("--outcome is required")
		}
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}

		trained, _, err := train.LoadCheckpoint(filepath.Join(p.ModelsPath(), args[0]+train.CheckpointExt))
		if err != nil {
			return err
		}
		d, err := p.Dataset(trained.Hyper.TilePX, trained.Hyper.TileUM)
		if err != nil {
			return err
		}
		d = d.FilterBlank(trainOutcome)

		useFloat := trained.Hyper.ModelType == train.ModelLinear
		labels, _, err := d.Labels(trainOutcome, useFloat)
		if err != nil {
			return err
		}
		labelFor := func(slideName string) (int, float64, bool) {
			l, ok := labels[slideName]
			if !ok {
				return 0, 0, false
			}
			return l.Index, l.Value, true
		}
		samples, err := train.LoadSamples(d.TFRecords(), labelFor, trainMaxTiles)
		if err != nil {
			return err
		}

		loss, acc, err := trained.Evaluate(samples)
		if err != nil {
			return err
		}
		fmt.Printf("Evaluated %d tiles.\n", len(samples))
		fmt.Printf("Loss: %.4f\n", loss)
		if trained.Hyper.ModelType == train.ModelCategorical {
			fmt.Printf("Accuracy: %.3f\n", acc)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{trainCmd, evaluateCmd} {
		cmd.Flags().StringVar(&trainOutcome, "outcome", "", "Annotation header with the outcome label")
		cmd.Flags().IntVar(&trainMaxTiles, "max-tiles", 0, "Cap tiles per slide (0 for no cap)")
	}
	f := trainCmd.Flags()
	f.StringVar(&trainModelName, "name", "", "Model name (defaults to the outcome header)")
	f.StringVar(&trainModelType, "model-type", train.ModelCategorical, "Model type: categorical or linear")
	f.StringVar(&trainStrategy, "strategy", dataset.SplitFixed, "Validation strategy: fixed or k-fold")
	f.IntVar(&trainK, "k", 3, "Fold count for k-fold validation")
	f.IntVar(&trainFold, "fold", 1, "Validation fold index (1-based)")
	f.Float64Var(&trainValFraction, "val-fraction", 0.2, "Held-out fraction for fixed validation")
	f.IntVar(&trainEpochs, "epochs", 3, "Training epochs")
	f.IntVar(&trainBatchSize, "batch-size", 16, "Batch size")
	f.Float64Var(&trainLR, "learning-rate", 0.0001, "Learning rate")
	f.BoolVar(&trainBalance, "balance", false, "Balance batch sampling across outcome categories")
	f.Int64Var(&trainSeed, "seed", 42, "Random seed for splitting and shuffling")
	f.IntVar(&trainTilePX, "tile-px", 299, "Tile size in pixels")
	f.IntVar(&trainTileUM, "tile-um", 302, "Tile size in microns")
}
