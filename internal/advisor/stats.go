// Package advisor is the read-only analytics layer over the policy log: it
// recomputes rolling statistics from the JSONL event stream and turns them
// into soft, non-binding suggestions (chunk size, engine choice, retry
// policy, voice variant) plus alerts for visibly degrading runs.
package advisor

import (
	"sort"

	"github.com/jorge-barreto/pipeline/internal/policylog"
)

// RollingWindow bounds how many recent samples feed the "recent" metrics.
const RollingWindow = 40

// HallucinationWindow bounds how many recent hallucination flags are kept
// verbatim for the watch alert's event list.
const HallucinationWindow = 20

// DurationSummary aggregates a set of millisecond duration samples.
type DurationSummary struct {
	AvgMS   float64
	P50MS   float64
	P95MS   float64
	MinMS   float64
	MaxMS   float64
	Samples int
}

func summarizeDurations(values []float64) (DurationSummary, bool) {
	if len(values) == 0 {
		return DurationSummary{}, false
	}
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	return DurationSummary{
		AvgMS:   mean(ordered),
		P50MS:   percentile(ordered, 50),
		P95MS:   percentile(ordered, 95),
		MinMS:   ordered[0],
		MaxMS:   ordered[len(ordered)-1],
		Samples: len(ordered),
	}, true
}

// PhaseDurationAnalysis highlights the slowest, fastest, and most variable
// phases by average duration / spread.
type PhaseDurationAnalysis struct {
	SlowestPhase      string
	Slowest           DurationSummary
	FastestPhase      string
	Fastest           DurationSummary
	MostVariablePhase string
	MostVariable      DurationSummary
	HasData           bool
}

func buildPhaseDurationAnalysis(summary map[string]DurationSummary) PhaseDurationAnalysis {
	if len(summary) == 0 {
		return PhaseDurationAnalysis{}
	}
	phases := make([]string, 0, len(summary))
	for phase := range summary {
		phases = append(phases, phase)
	}
	sort.Slice(phases, func(i, j int) bool { return summary[phases[i]].AvgMS < summary[phases[j]].AvgMS })

	fastest, slowest := phases[0], phases[len(phases)-1]
	mostVariable := phases[0]
	bestSpread := summary[mostVariable].MaxMS - summary[mostVariable].MinMS
	for _, p := range phases[1:] {
		spread := summary[p].MaxMS - summary[p].MinMS
		if spread > bestSpread {
			bestSpread = spread
			mostVariable = p
		}
	}
	return PhaseDurationAnalysis{
		SlowestPhase:      slowest,
		Slowest:           summary[slowest],
		FastestPhase:      fastest,
		Fastest:           summary[fastest],
		MostVariablePhase: mostVariable,
		MostVariable:      summary[mostVariable],
		HasData:           true,
	}
}

// RTFEngineStats summarizes real-time-factor samples for a single engine.
type RTFEngineStats struct {
	Avg     float64
	P90     float64
	Samples int
}

// RTFStats summarizes real-time-factor samples across phase4 runs.
type RTFStats struct {
	Avg            *float64
	P90            *float64
	P99            *float64
	RecentAvg      *float64
	Samples        int
	RollingSamples int
	ByEngine       map[string]RTFEngineStats
}

func buildRTFStats(samples, rolling []float64, byEngine map[string][]float64) RTFStats {
	ordered := append([]float64(nil), samples...)
	sort.Float64s(ordered)
	out := RTFStats{
		Samples:        len(ordered),
		RollingSamples: len(rolling),
		ByEngine:       map[string]RTFEngineStats{},
	}
	if len(ordered) > 0 {
		avg := mean(ordered)
		p90 := percentile(ordered, 90)
		p99 := percentile(ordered, 99)
		out.Avg, out.P90, out.P99 = &avg, &p90, &p99
	}
	if len(rolling) > 0 {
		recent := mean(rolling)
		out.RecentAvg = &recent
	}
	for engine, values := range byEngine {
		if len(values) == 0 {
			continue
		}
		ordered := append([]float64(nil), values...)
		sort.Float64s(ordered)
		out.ByEngine[engine] = RTFEngineStats{Avg: mean(ordered), P90: percentile(ordered, 90), Samples: len(ordered)}
	}
	return out
}

// FallbackEngineStats summarizes latency-fallback engagement for one engine.
type FallbackEngineStats struct {
	AvgRate          float64
	RecentRate       *float64
	Samples          int
	AvgLatencyChunks *float64
}

// FallbackOverall summarizes latency-fallback engagement across all engines.
type FallbackOverall struct {
	AvgRate        *float64
	RecentRate     *float64
	MaxRate        *float64
	Samples        int
	RollingSamples int
}

// FallbackStats is the full latency-fallback picture fed into the advisor's
// fallback_alert suggestion and the telemetry snapshot.
type FallbackStats struct {
	Overall          FallbackOverall
	PerEngine        map[string]FallbackEngineStats
	LatencyChunksAvg *float64
}

func buildFallbackStats(
	overallRates, rolling []float64,
	byEngine map[string][]float64,
	byEngineRecent map[string][]float64,
	chunkCounts []float64,
	chunkCountsByEngine map[string][]float64,
) FallbackStats {
	ordered := append([]float64(nil), overallRates...)
	sort.Float64s(ordered)
	overall := FallbackOverall{Samples: len(ordered), RollingSamples: len(rolling)}
	if len(ordered) > 0 {
		avg, max := mean(ordered), ordered[len(ordered)-1]
		overall.AvgRate, overall.MaxRate = &avg, &max
	}
	if len(rolling) > 0 {
		recent := mean(rolling)
		overall.RecentRate = &recent
	}

	perEngine := map[string]FallbackEngineStats{}
	for engine, values := range byEngine {
		if len(values) == 0 {
			continue
		}
		entry := FallbackEngineStats{AvgRate: mean(values), Samples: len(values)}
		if recent := byEngineRecent[engine]; len(recent) > 0 {
			r := mean(recent)
			entry.RecentRate = &r
		}
		if chunks := chunkCountsByEngine[engine]; len(chunks) > 0 {
			c := mean(chunks)
			entry.AvgLatencyChunks = &c
		}
		perEngine[engine] = entry
	}

	out := FallbackStats{Overall: overall, PerEngine: perEngine}
	if len(chunkCounts) > 0 {
		c := mean(chunkCounts)
		out.LatencyChunksAvg = &c
	}
	return out
}

// HallucinationEvent records one recent hallucination-flagged phase4 run.
type HallucinationEvent struct {
	Timestamp string
	FileID    string
	Engine    string
}

// HallucinationStats tallies hallucination warnings across the log window.
type HallucinationStats struct {
	Total        int
	RecentTotal  int
	ByEngine     map[string]int
	RecentEvents []HallucinationEvent
}

// RunHistoryEntry is one run's outcome, reconstructed from its events.
type RunHistoryEntry struct {
	RunID         string
	Failed        bool
	Timestamp     string
	Metrics       map[string]float64
	Hallucination bool
	Reward        float64
}

// RunReward pairs a run id with its computed reward score.
type RunReward struct {
	RunID  string
	Reward float64
}

// RollingMetrics are the most-recent-window figures shown in soft alerts.
type RollingMetrics struct {
	PhaseDurationMS map[string]DurationSummary
	RTFactorAvg     *float64
	RTFactorMax     *float64
	RTFactorSamples int
	FallbackAvg     *float64
	FallbackMax     *float64
	FallbackSamples int
}

// Stats is the full recomputed snapshot the advisor builds from the policy
// log each time the log set changes on disk.
type Stats struct {
	PhaseDuration          map[string]float64
	PhaseDurationSummary   map[string]DurationSummary
	PhaseDurationRecent    map[string]DurationSummary
	PhaseDurationAnalysis  PhaseDurationAnalysis
	PhaseFailures          map[string]int
	PhaseSuccess           map[string]int
	FileFailures           map[[2]string]int
	ChunkErrorRate         float64
	EngineReliability      map[string]float64
	HallucinationFlags     int
	HallucinationStats     HallucinationStats
	EnhancementFailureRate float64
	RTFStats               RTFStats
	EngineFallbackRates    FallbackStats
	RollingMetrics         RollingMetrics
	RunHistory             []RunHistoryEntry
	RecentGoodRuns         int
	RunRewards             []RunReward
	RewardAverage          float64
	SkillWeights           map[string]float64
	AdaptiveDeltas         map[string]float64
	SafetyFlags            map[string]bool
}

type runAccumulator struct {
	failed        bool
	hallucination bool
	timestamp     string
	metrics       map[string]float64
}

// ComputeStats folds a stream of policy log events into a Stats snapshot.
// It mirrors the original's single-pass aggregation: every event updates
// zero or more running totals keyed by phase/engine/run_id.
func ComputeStats(events []policylog.Event) Stats {
	phaseDuration := map[string][]float64{}
	rollingPhaseDuration := map[string][]float64{}
	phaseFailures := map[string]int{}
	phaseSuccess := map[string]int{}
	fileFailures := map[[2]string]int{}
	chunkErrorCount, chunkEventTotal := 0, 0
	engineSuccess := map[string]int{}
	engineFailure := map[string]int{}
	hallucinationFlags := 0
	hallucinationByEngine := map[string]int{}
	var hallucinationRecent []HallucinationEvent
	enhancementFailures, enhancementTotal := 0, 0
	var rtfSamples, rollingRTF []float64
	rtfByEngine := map[string][]float64{}
	var fallbackRates, rollingFallback []float64
	fallbackByEngine := map[string][]float64{}
	fallbackRecentByEngine := map[string][]float64{}
	var fallbackChunkCounts []float64
	fallbackChunksByEngine := map[string][]float64{}
	runInfo := map[string]*runAccumulator{}

	for _, record := range events {
		eventType, _ := record["event"].(string)
		phase, _ := record["phase"].(string)
		fileID, _ := record["file_id"].(string)
		status, _ := record["status"].(string)
		duration, hasDuration := asFloat(record["duration_ms"])
		errs := asStringSlice(record["errors"])
		metrics := asFloatMap(record["metrics"])
		runID, _ := record["run_id"].(string)

		if runID != "" {
			info, ok := runInfo[runID]
			if !ok {
				info = &runAccumulator{metrics: map[string]float64{}}
				runInfo[runID] = info
			}
			if ts, _ := record["timestamp"].(string); ts != "" && (info.timestamp == "" || ts < info.timestamp) {
				info.timestamp = ts
			}
			if eventType == "phase_failure" {
				info.failed = true
			}
			if containsSubstring(errs, "hallucination") {
				info.hallucination = true
			}
			if phase == "phase4" && eventType == "phase_end" {
				for _, key := range []string{"avg_rt_factor", "fallback_rate", "latency_fallback_chunks"} {
					if v, ok := metrics[key]; ok {
						info.metrics[key] = v
					}
				}
			}
		}

		if eventType == "phase_end" && hasDuration {
			phaseDuration[phase] = append(phaseDuration[phase], duration)
			phaseSuccess[phase]++
			rollingPhaseDuration[phase] = appendRolling(rollingPhaseDuration[phase], duration)
		}
		if eventType == "phase_failure" || eventType == "phase_retry" {
			phaseFailures[phase]++
			if phase != "" && fileID != "" {
				fileFailures[[2]string{phase, fileID}]++
			}
		}
		if phase == "phase3" {
			chunkEventTotal++
			if containsSubstring(errs, "chunk") {
				chunkErrorCount++
			}
		}
		if phase == "phase4" {
			engine := firstNonEmpty(metricString(record, "engine_used"), metricString(record, "selected_engine"), metricString(record, "requested_engine"))
			if engine != "" {
				if status == "success" || eventType == "phase_end" {
					engineSuccess[engine]++
				} else if eventType == "phase_failure" {
					engineFailure[engine]++
				}
			}
			if avgRT, ok := metrics["avg_rt_factor"]; ok {
				rtfSamples = append(rtfSamples, avgRT)
				rollingRTF = appendRolling(rollingRTF, avgRT)
				if engine != "" {
					rtfByEngine[engine] = append(rtfByEngine[engine], avgRT)
				}
			}
			if fb, ok := metrics["fallback_rate"]; ok {
				fallbackRates = append(fallbackRates, fb)
				rollingFallback = appendRolling(rollingFallback, fb)
				if engine != "" {
					fallbackByEngine[engine] = append(fallbackByEngine[engine], fb)
					fallbackRecentByEngine[engine] = appendRolling(fallbackRecentByEngine[engine], fb)
				}
			}
			if lc, ok := metrics["latency_fallback_chunks"]; ok {
				fallbackChunkCounts = append(fallbackChunkCounts, lc)
				if engine != "" {
					fallbackChunksByEngine[engine] = append(fallbackChunksByEngine[engine], lc)
				}
			}
			if containsSubstring(errs, "hallucination") {
				hallucinationFlags++
				if engine != "" {
					hallucinationByEngine[engine]++
				}
				ts, _ := record["timestamp"].(string)
				hallucinationRecent = appendHallucination(hallucinationRecent, HallucinationEvent{Timestamp: ts, FileID: fileID, Engine: engine})
			}
		}
		if phase == "phase5" {
			enhancementTotal++
			if eventType == "phase_failure" {
				enhancementFailures++
			}
		}
	}

	phaseDurationSummary := map[string]DurationSummary{}
	for phase, values := range phaseDuration {
		if s, ok := summarizeDurations(values); ok {
			phaseDurationSummary[phase] = s
		}
	}
	rollingPhaseSummary := map[string]DurationSummary{}
	for phase, window := range rollingPhaseDuration {
		if s, ok := summarizeDurations(window); ok {
			rollingPhaseSummary[phase] = s
		}
	}

	rtfStats := buildRTFStats(rtfSamples, rollingRTF, rtfByEngine)
	fallbackStats := buildFallbackStats(fallbackRates, rollingFallback, fallbackByEngine, fallbackRecentByEngine, fallbackChunkCounts, fallbackChunksByEngine)

	hallu := HallucinationStats{
		Total:        hallucinationFlags,
		RecentTotal:  len(hallucinationRecent),
		ByEngine:     hallucinationByEngine,
		RecentEvents: hallucinationRecent,
	}

	rolling := RollingMetrics{PhaseDurationMS: rollingPhaseSummary, RTFactorSamples: len(rollingRTF), FallbackSamples: len(rollingFallback)}
	if len(rollingRTF) > 0 {
		avg, max := mean(rollingRTF), maxOf(rollingRTF)
		rolling.RTFactorAvg, rolling.RTFactorMax = &avg, &max
	}
	if len(rollingFallback) > 0 {
		avg, max := mean(rollingFallback), maxOf(rollingFallback)
		rolling.FallbackAvg, rolling.FallbackMax = &avg, &max
	}

	runIDs := make([]string, 0, len(runInfo))
	for id := range runInfo {
		runIDs = append(runIDs, id)
	}
	sort.Slice(runIDs, func(i, j int) bool { return runInfo[runIDs[i]].timestamp < runInfo[runIDs[j]].timestamp })

	runHistory := make([]RunHistoryEntry, 0, len(runIDs))
	for _, id := range runIDs {
		info := runInfo[id]
		entry := RunHistoryEntry{RunID: id, Failed: info.failed, Timestamp: info.timestamp, Metrics: info.metrics, Hallucination: info.hallucination}
		entry.Reward = computeRunReward(entry)
		runHistory = append(runHistory, entry)
	}

	recentGoodRuns := 0
	for i := len(runHistory) - 1; i >= 0; i-- {
		if runHistory[i].Failed {
			break
		}
		recentGoodRuns++
	}

	runRewards := make([]RunReward, 0, len(runHistory))
	rewardSum := 0.0
	for _, entry := range runHistory {
		runRewards = append(runRewards, RunReward{RunID: entry.RunID, Reward: entry.Reward})
		rewardSum += entry.Reward
	}
	rewardAverage := 0.0
	if len(runRewards) > 0 {
		rewardAverage = rewardSum / float64(len(runRewards))
	}

	chunkErrorRate := 0.0
	if chunkEventTotal > 0 {
		chunkErrorRate = float64(chunkErrorCount) / float64(chunkEventTotal)
	}

	engineReliability := computeEngineReliability(engineSuccess, engineFailure)
	bestScore, secondScore := topTwoScores(engineReliability)
	engineBias := max0(bestScore - secondScore)

	voicePenalty := 0.0
	if len(runHistory) > 0 {
		voicePenalty = min1(float64(hallucinationFlags) / float64(len(runHistory)))
	}

	skillWeights := map[string]float64{
		"chunk_size": max0(1.0 - chunkErrorRate),
		"engine":     bestScore,
		"voice":      max0(1.0 - voicePenalty),
	}
	adaptiveDeltas := map[string]float64{
		"chunk_size":  clamp(rewardAverage*2.0, -2.0, 2.0),
		"engine_bias": engineBias,
	}
	safetyFlags := map[string]bool{
		"revert_chunk":  rewardAverage < -0.5,
		"revert_engine": rewardAverage < -0.75,
		"voice_alert":   hallucinationFlags > 0,
	}

	enhancementFailureRate := 0.0
	if enhancementTotal > 0 {
		enhancementFailureRate = float64(enhancementFailures) / float64(enhancementTotal)
	}

	phaseDurationMean := map[string]float64{}
	for phase, values := range phaseDuration {
		if len(values) > 0 {
			phaseDurationMean[phase] = mean(values)
		}
	}

	return Stats{
		PhaseDuration:          phaseDurationMean,
		PhaseDurationSummary:   phaseDurationSummary,
		PhaseDurationRecent:    rollingPhaseSummary,
		PhaseDurationAnalysis:  buildPhaseDurationAnalysis(phaseDurationSummary),
		PhaseFailures:          phaseFailures,
		PhaseSuccess:           phaseSuccess,
		FileFailures:           fileFailures,
		ChunkErrorRate:         chunkErrorRate,
		EngineReliability:      engineReliability,
		HallucinationFlags:     hallucinationFlags,
		HallucinationStats:     hallu,
		EnhancementFailureRate: enhancementFailureRate,
		RTFStats:               rtfStats,
		EngineFallbackRates:    fallbackStats,
		RollingMetrics:         rolling,
		RunHistory:             runHistory,
		RecentGoodRuns:         recentGoodRuns,
		RunRewards:             runRewards,
		RewardAverage:          rewardAverage,
		SkillWeights:           skillWeights,
		AdaptiveDeltas:         adaptiveDeltas,
		SafetyFlags:            safetyFlags,
	}
}

func computeRunReward(entry RunHistoryEntry) float64 {
	reward := 1.0
	if entry.Failed {
		reward -= 1.5
	}
	if fb, ok := entry.Metrics["fallback_rate"]; ok {
		reward -= fb * 0.5
	}
	if rt, ok := entry.Metrics["avg_rt_factor"]; ok && rt > 0 {
		reward -= max0((rt - 2.0) * 0.1)
	}
	if entry.Hallucination {
		reward -= 0.3
	}
	return reward
}

func computeEngineReliability(success, failure map[string]int) map[string]float64 {
	reliability := map[string]float64{}
	for engine, count := range success {
		fails := failure[engine]
		total := count + fails
		if total > 0 {
			reliability[engine] = float64(count) / float64(total)
		}
	}
	for engine := range failure {
		if _, ok := reliability[engine]; !ok {
			reliability[engine] = 0.0
		}
	}
	return reliability
}

func topTwoScores(reliability map[string]float64) (best, second float64) {
	type pair struct {
		engine string
		score  float64
	}
	pairs := make([]pair, 0, len(reliability))
	for engine, score := range reliability {
		pairs = append(pairs, pair{engine, score})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	if len(pairs) > 0 {
		best = pairs[0].score
	}
	if len(pairs) > 1 {
		second = pairs[1].score
	}
	return best, second
}
