package cmd

import (
	"time"

	"github.com/spf13/viper"
	"github.com/theapemachine/mnemo/pkg/memory"
	"github.com/theapemachine/mnemo/pkg/provider"
	"github.com/theapemachine/mnemo/pkg/service"
	"github.com/theapemachine/mnemo/pkg/stores/neo4j"
	"github.com/theapemachine/mnemo/pkg/stores/qdrant"
)

/*
buildDeps wires the full dependency graph from configuration: store
clients, providers, stores, assembler, working memory and pipeline. Every
component receives its collaborators here; nothing is global.
*/
func buildDeps() (service.Deps, error) {
	graph := neo4j.New(
		viper.GetString("stores.neo4j.endpoint"),
		viper.GetString("stores.neo4j.username"),
		viper.GetString("stores.neo4j.password"),
	)
	vector := qdrant.New(
		viper.GetString("stores.qdrant.endpoint"),
		viper.GetString("stores.qdrant.collection"),
	)

	embedder := provider.NewOpenAIEmbedder(
		provider.WithEmbedderModel(viper.GetString("embedding.model")),
	)
	completer := provider.NewOpenAICompleter(
		provider.WithCompleterModel(viper.GetString("completion.model")),
	)

	episodic := memory.NewGraphEpisodicStore(graph)
	semantic := memory.NewVectorSemanticStore(vector, graph, embedder)

	weights := memory.ScoreWeights{
		Recency:    viper.GetFloat64("memory.weights.recency"),
		Similarity: viper.GetFloat64("memory.weights.similarity"),
		Importance: viper.GetFloat64("memory.weights.importance"),
	}

	working, err := memory.NewWorkingMemoryManager(episodic, memory.WorkingMemoryConfig{
		MaxTokens:        viper.GetInt("memory.maxTokens"),
		CompressionRatio: viper.GetFloat64("memory.compressionRatio"),
		MaxActiveGoals:   viper.GetInt("memory.maxActiveGoals"),
		HistorySize:      viper.GetInt("memory.historySize"),
		CacheTTL:         time.Duration(viper.GetInt("memory.cacheTtl")) * time.Second,
	})
	if err != nil {
		return service.Deps{}, err
	}

	pipeline := memory.NewExtractionPipeline(
		episodic, semantic, embedder, completer, extractionConfig())

	options := memory.DefaultAssembleOptions()
	options.MaxContextMemories = viper.GetInt("memory.maxContextMemories")
	options.SimilarityThreshold = viper.GetFloat64("memory.similarityThreshold")
	options.MaxTokens = viper.GetInt("memory.maxTokens")

	return service.Deps{
		Episodic:   episodic,
		Semantic:   semantic,
		Embedder:   embedder,
		Assembler:  memory.NewContextAssembler(episodic, semantic, embedder, weights),
		Working:    working,
		Pipeline:   pipeline,
		QueueSize:  viper.GetInt("semanticExtraction.queueSize"),
		Options:    options,
		Graph:      graph,
		Vector:     vector,
		Dimensions: viper.GetInt("embedding.dimensions"),
	}, nil
}

func extractionConfig() memory.ExtractionConfig {
	return memory.ExtractionConfig{
		Enabled:                      viper.GetBool("semanticExtraction.enabled"),
		MinConfidence:                viper.GetFloat64("semanticExtraction.minConfidence"),
		MaxConceptsPerMemory:         viper.GetInt("semanticExtraction.maxConceptsPerMemory"),
		EnableRelationshipExtraction: viper.GetBool("semanticExtraction.enableRelationshipExtraction"),
		Categories:                   viper.GetStringSlice("semanticExtraction.categories"),
		BatchSize:                    viper.GetInt("semanticExtraction.batchSize"),
		MergeThreshold:               viper.GetFloat64("semanticExtraction.mergeThreshold"),
	}
}
