package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "process":
		cmd := flag.NewFlagSet("process", flag.ExitOnError)
		configPath := cmd.String("config", "", "path to YAML config (defaults apply when omitted)")
		reportPath := cmd.String("report", "report.json", "path to write the run report")
		cmd.Parse(os.Args[2:])
		if cmd.NArg() < 1 {
			fmt.Println("usage: eeg-pipeline process [-config cfg.yaml] [-report report.json] <manifest.json>")
			os.Exit(1)
		}
		processCmd(*configPath, cmd.Arg(0), *reportPath)

	case "retry":
		cmd := flag.NewFlagSet("retry", flag.ExitOnError)
		configPath := cmd.String("config", "", "path to YAML config (defaults apply when omitted)")
		reportPath := cmd.String("report", "report.json", "path to write the new run report")
		cmd.Parse(os.Args[2:])
		if cmd.NArg() < 2 {
			fmt.Println("usage: eeg-pipeline retry [-config cfg.yaml] [-report report.json] <manifest.json> <previous_report.json>")
			os.Exit(1)
		}
		retryCmd(*configPath, cmd.Arg(0), cmd.Arg(1), *reportPath)

	case "watch":
		cmd := flag.NewFlagSet("watch", flag.ExitOnError)
		configPath := cmd.String("config", "", "path to YAML config (defaults apply when omitted)")
		cmd.Parse(os.Args[2:])
		if cmd.NArg() < 2 {
			fmt.Println("usage: eeg-pipeline watch [-config cfg.yaml] <manifest.json> <intake_dir>")
			os.Exit(1)
		}
		watchCmd(*configPath, cmd.Arg(0), cmd.Arg(1))

	case "inspect":
		cmd := flag.NewFlagSet("inspect", flag.ExitOnError)
		configPath := cmd.String("config", "", "path to YAML config (defaults apply when omitted)")
		patient := cmd.String("patient", "", "also print per-channel stats for this patient")
		cmd.Parse(os.Args[2:])
		if cmd.NArg() < 2 {
			fmt.Println("usage: eeg-pipeline inspect [-config cfg.yaml] [-patient id] <diagnosis> <label>")
			os.Exit(1)
		}
		inspectCmd(*configPath, cmd.Arg(0), cmd.Arg(1), *patient)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: eeg-pipeline <command>")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  process [-config cfg.yaml] <manifest.json>               ingest every manifest file")
	fmt.Println("  retry   [-config cfg.yaml] <manifest.json> <report>      re-run files a previous run failed on")
	fmt.Println("  watch   [-config cfg.yaml] <manifest.json> <intake_dir>  ingest manifest files as they arrive")
	fmt.Println("  inspect [-patient id] <diagnosis> <label>                print a dataset target's contents")
}
