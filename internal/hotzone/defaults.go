package hotzone

// defaultZones is the built-in seed set, grounded on the four DC2 zones
// recorded in the original exporter's empirical testing (hot_zones_manager.py
// DC2_DEFAULT_HOT_ZONES). On-disk entries loaded afterwards override these on
// an exact (datacenter, id_start) match.
func defaultZones() []HotZone {
	return []HotZone{
		{
			IDStart: 1_300_000, IDEnd: 1_400_000, Datacenter: "DC2",
			OptimalChunkSize: 5_000, AvgLatencySec: 91.4, MessageDensity: 181.0,
			Severity: SeverityCritical, LastObserved: "2025-12-05", ObservationCount: 1,
		},
		{
			IDStart: 1_400_000, IDEnd: 1_500_000, Datacenter: "DC2",
			OptimalChunkSize: 10_000, AvgLatencySec: 3.6, MessageDensity: 175.0,
			Severity: SeverityHigh, LastObserved: "2025-12-05", ObservationCount: 2,
		},
		{
			IDStart: 1_600_000, IDEnd: 1_700_000, Datacenter: "DC2",
			OptimalChunkSize: 10_000, AvgLatencySec: 3.3, MessageDensity: 149.0,
			Severity: SeverityHigh, LastObserved: "2025-12-05", ObservationCount: 3,
		},
		{
			IDStart: 700_000, IDEnd: 1_000_000, Datacenter: "DC2",
			OptimalChunkSize: 15_000, AvgLatencySec: 32.0, MessageDensity: 90.0,
			Severity: SeverityMedium, LastObserved: "2025-12-05", ObservationCount: 1,
		},
	}
}
