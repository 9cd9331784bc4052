package config

import "fmt"

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.ModelCaller.MaxRetriesPerModel < 0 {
		return fmt.Errorf("model_caller.max_retries_per_model cannot be negative")
	}
	if c.ModelCaller.TimeoutPerModelSecs <= 0 {
		return fmt.Errorf("model_caller.timeout_per_model_secs must be positive")
	}
	if c.Knowledge.EmbedBatchSize <= 0 {
		return fmt.Errorf("knowledge.embed_batch_size must be positive")
	}
	if c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return fmt.Errorf("knowledge.chunk_overlap must be smaller than chunk_size")
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		return fmt.Errorf("extraction.min_confidence must be within [0, 1]")
	}
	if c.Extraction.SimilarityThreshold < 0 || c.Extraction.SimilarityThreshold > 1 {
		return fmt.Errorf("extraction.similarity_threshold must be within [0, 1]")
	}
	if c.Extraction.MaxEntities <= 0 {
		return fmt.Errorf("extraction.max_entities must be positive")
	}
	if c.Retention.PurgeAfterDays <= 0 {
		return fmt.Errorf("retention.purge_after_days must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
