package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/myworld/mywdb/internal/replication"
)

var (
	extractRegion     string
	extractTableSet   string
	extractDeltas     bool
	extractWritableBy string
	extractTileDir    string

	activateOwner    string
	activateLocation string
)

var extractCmd = &cobra.Command{
	Use:   "extract <type> <path>",
	Short: "Create an extract database for an extract type",
	Args:  cobra.ExactArgs(2),
	RunE:  runExtract,
}

var exportCmd = &cobra.Command{
	Use:   "export [type]",
	Short: "Export master changes for one or all extract types",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import pending updates (replica uploads on a master, master updates elsewhere)",
	Args:  cobra.NoArgs,
	RunE:  runImport,
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Register an extract with its master, making it a replica",
	Args:  cobra.NoArgs,
	RunE:  runActivate,
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload the local changes of a replica",
	Args:  cobra.NoArgs,
	RunE:  runUpload,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronisation cycle",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Manage the replicas of a master",
}

var replicaDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Drop a replica; it is pruned once its last upload is imported",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplicaDrop,
}

var replicaPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove dead replicas and their sync directories",
	Args:  cobra.NoArgs,
	RunE:  runReplicaPrune,
}

func init() {
	rootCmd.AddCommand(extractCmd, exportCmd, importCmd, activateCmd, uploadCmd, syncCmd, replicaCmd)
	replicaCmd.AddCommand(replicaDropCmd, replicaPruneCmd)

	extractCmd.Flags().StringVar(&extractRegion, "region", "", "WKT polygon bounding the extract")
	extractCmd.Flags().StringVar(&extractTableSet, "table-set", "", "table set limiting the feature types and tiles")
	extractCmd.Flags().BoolVar(&extractDeltas, "include-deltas", false, "include version deltas")
	extractCmd.Flags().StringVar(&extractWritableBy, "writable-by", "", "role that may edit the extract")
	extractCmd.Flags().StringVar(&extractTileDir, "tile-dir", "", "directory receiving the tile files")

	activateCmd.Flags().StringVar(&activateOwner, "owner", "", "owner of the replica")
	activateCmd.Flags().StringVar(&activateLocation, "location", "", "location of the replica")
	activateCmd.MarkFlagRequired("owner")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("extract")
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := a.Master(ctx)
	if err != nil {
		return err
	}
	res, err := m.CreateExtract(ctx, replication.ExtractOptions{
		Type:          args[0],
		Region:        extractRegion,
		TableSet:      extractTableSet,
		IncludeDeltas: extractDeltas || a.Config().Extract.IncludeDeltas,
		WritableBy:    extractWritableBy,
		Path:          args[1],
		TileDir:       extractTileDir,
		TileWorkers:   a.Config().Extract.TileWorkers,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return printResult(res, "")
	}
	fmt.Printf("Created extract %s at master update %d\n", res.Path, res.MasterUpdate)
	for _, name := range sortedKeys(res.Records) {
		fmt.Printf("  %-32s %d records\n", name, res.Records[name])
	}
	for name, err := range res.FailedTypes {
		fmt.Printf("  %-32s FAILED: %v\n", name, err)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("export")
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := a.Master(ctx)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		id, err := m.ExportChanges(ctx, args[0])
		if err != nil {
			return err
		}
		if id == 0 {
			return printResult(id, "No changes to export for %s", args[0])
		}
		return printResult(id, "Exported update %d for %s", id, args[0])
	}
	ids, err := m.ExportAll(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printResult(ids, "")
	}
	for _, typ := range sortedKeys(ids) {
		fmt.Printf("%-32s update %d\n", typ, ids[typ])
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("import")
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := a.Engine(ctx)
	if err != nil {
		return err
	}
	switch e := s.(type) {
	case *replication.Master:
		counts, err := e.ImportReplicaUpdates(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printResult(counts, "")
		}
		for _, id := range sortedKeys(counts) {
			fmt.Printf("%-40s %d updates\n", id, counts[id])
		}
	case *replication.Replica:
		n, err := e.ImportUpdates(ctx)
		if err != nil {
			return err
		}
		return printResult(n, "Imported %d updates", n)
	}
	return nil
}

func runActivate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("activate")
	if err != nil {
		return err
	}
	defer a.Close()
	r, err := a.Replica(ctx)
	if err != nil {
		return err
	}
	id, err := r.Activate(ctx, activateOwner, activateLocation)
	if err != nil {
		return err
	}
	return printResult(id, "Activated replica %s", id)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("upload")
	if err != nil {
		return err
	}
	defer a.Close()
	r, err := a.Replica(ctx)
	if err != nil {
		return err
	}
	id, err := r.UploadChanges(ctx)
	if err != nil {
		return err
	}
	if id == 0 {
		return printResult(id, "No changes to upload")
	}
	return printResult(id, "Uploaded update %d", id)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("sync")
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := a.Engine(ctx)
	if err != nil {
		return err
	}
	d := replication.NewDaemon(replication.DaemonConfig{PruneDead: a.Config().Replication.PruneDead}, s)
	if err := d.RunOnce(ctx); err != nil {
		return err
	}
	fmt.Printf("Synchronised %s\n", s.Role())
	return nil
}

func runReplicaDrop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("replica")
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := a.Master(ctx)
	if err != nil {
		return err
	}
	if err := m.DropReplica(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Dropped replica %s\n", args[0])
	return nil
}

func runReplicaPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("replica")
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := a.Master(ctx)
	if err != nil {
		return err
	}
	res, err := m.PruneReplicas(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printResult(res, "")
	}
	fmt.Printf("Pruned %d replicas, removed %d objects\n", len(res.Deleted), res.RemovedObjects)
	for _, e := range res.Errors {
		fmt.Printf("  %s\n", e)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
