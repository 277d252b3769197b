package hotzone_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ais-export/shardhist/internal/hotzone"
)

var _ = Describe("Registry", func() {
	var r *hotzone.Registry

	BeforeEach(func() {
		var err error
		r, err = hotzone.New(50_000)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(r.Close()).To(Succeed())
	})

	It("returns the default chunk size when nothing overlaps", func() {
		Expect(r.OptimalChunkSize(1, 2, "DC9")).To(Equal(50_000))
	})

	It("matches the seeded DC2 CRITICAL zone", func() {
		// S3
		Expect(r.OptimalChunkSize(1_320_000, 1_380_000, "DC2")).To(Equal(5_000))
		Expect(r.OptimalChunkSize(1_320_000, 1_380_000, "DC5")).To(Equal(50_000))
	})

	It("treats an unknown datacenter as a non-match even if the range overlaps", func() {
		Expect(r.OptimalChunkSize(1_320_000, 1_380_000, "Unknown")).To(Equal(50_000))
	})

	It("picks the minimum optimal_chunk_size among intersecting zones (dominance)", func() {
		zones := r.ZonesFor(1_390_000, 1_410_000, "DC2") // spans CRITICAL(5k) and HIGH(10k)
		Expect(len(zones)).To(BeNumerically(">=", 2))
		Expect(r.OptimalChunkSize(1_390_000, 1_410_000, "DC2")).To(Equal(5_000))
	})

	It("learns a new CRITICAL zone from a severe slow-chunk record (S4)", func() {
		// DC4 has no seeded zones, so nothing overlaps and a new zone is created.
		r.LearnFrom(hotzone.SlowChunkRecord{
			IDRange: [2]int64{800_000, 850_000}, DurationSec: 80, MessageCount: 9000,
			Density: 9000 * 1000 / 50_000, Datacenter: "DC4", Timestamp: hotzone.Now(),
		})
		Expect(r.OptimalChunkSize(810_000, 820_000, "DC4")).To(Equal(5_000))
	})

	It("never creates a zone for a mild record", func() {
		before := len(r.ZonesFor(0, 10_000_000, "DC7"))
		r.LearnFrom(hotzone.SlowChunkRecord{
			IDRange: [2]int64{1, 100}, DurationSec: 5, Density: 10, Datacenter: "DC7",
			Timestamp: hotzone.Now(),
		})
		after := len(r.ZonesFor(0, 10_000_000, "DC7"))
		Expect(after).To(Equal(before))
	})

	It("updates an existing zone in place with a running average", func() {
		z := r.ZonesFor(1_320_000, 1_320_000, "DC2")[0]
		Expect(z.ObservationCount).To(Equal(1))
		r.LearnFrom(hotzone.SlowChunkRecord{
			IDRange: [2]int64{1_320_000, 1_330_000}, DurationSec: 100, Density: 200,
			Datacenter: "DC2", Timestamp: hotzone.Now(),
		})
		updated := r.ZonesFor(1_320_000, 1_320_000, "DC2")[0]
		Expect(updated.ObservationCount).To(Equal(2))
		Expect(updated.AvgLatencySec).To(BeNumerically("~", (91.4+100)/2, 0.01))
	})

	It("round-trips through save/load (exact-key zones updated in place, others appended)", func() {
		dir, err := os.MkdirTemp("", "hotzone-db-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)
		r.LearnFrom(hotzone.SlowChunkRecord{
			IDRange: [2]int64{5_000_000, 5_050_000}, DurationSec: 70, Density: 200,
			Datacenter: "DC3", Timestamp: hotzone.Now(),
		})
		Expect(r.Save(dir)).To(Succeed())
		Expect(filepath.Join(dir, ".monitoring", "slow_ranges_db.json")).To(BeAnExistingFile())

		r2, err := hotzone.New(50_000)
		Expect(err).NotTo(HaveOccurred())
		defer r2.Close()
		Expect(r2.Load(dir)).To(Succeed())
		Expect(r2.OptimalChunkSize(5_010_000, 5_020_000, "DC3")).To(Equal(5_000))
		Expect(r2.OptimalChunkSize(1_320_000, 1_380_000, "DC2")).To(Equal(5_000))
	})

	It("treats a missing db file as not-an-error", func() {
		r2, err := hotzone.New(50_000)
		Expect(err).NotTo(HaveOccurred())
		defer r2.Close()
		Expect(r2.Load(filepath.Join(os.TempDir(), "does-not-exist-xyz"))).To(Succeed())
	})
})
