// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"github.com/ami-project/ami/lib/collective"
)

// QuotaPolicy decides how many items of a feature each worker should
// publish, given the counts the workers reported.
type QuotaPolicy interface {
	// Assign returns a quota per worker. Workers missing from the
	// result get zero. counts has an entry for every worker.
	Assign(name string, counts map[collective.Rank]int, workers []collective.Rank) map[collective.Rank]int
}

// QuotaFunc adapts a function to QuotaPolicy.
type QuotaFunc func(name string, counts map[collective.Rank]int, workers []collective.Rank) map[collective.Rank]int

// Assign calls f.
func (f QuotaFunc) Assign(name string, counts map[collective.Rank]int, workers []collective.Rank) map[collective.Rank]int {
	return f(name, counts, workers)
}

// FixedQuota gives Quota to Rank and zero to every other worker,
// ignoring the reported counts.
type FixedQuota struct {
	Rank  collective.Rank
	Quota int
}

// DefaultQuotaPolicy assigns two items to rank 1.
var DefaultQuotaPolicy QuotaPolicy = FixedQuota{Rank: 1, Quota: 2}

// Assign implements QuotaPolicy.
func (p FixedQuota) Assign(_ string, _ map[collective.Rank]int, workers []collective.Rank) map[collective.Rank]int {
	quotas := make(map[collective.Rank]int, len(workers))
	for _, rank := range workers {
		if rank == p.Rank {
			quotas[rank] = p.Quota
		} else {
			quotas[rank] = 0
		}
	}
	return quotas
}
