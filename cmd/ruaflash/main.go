package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	ruaflash "github.com/winzkh/RuaFlashTool"
)

var (
	serial  string
	verbose bool
)

func newFlasher() *ruaflash.Flasher {
	client := ruaflash.NewFastbootClient()
	client.Serial = serial
	return ruaflash.NewFlasher(client)
}

func confirmOverwrite(dir string) bool {
	fmt.Fprintf(os.Stderr, "Work directory %s exists and will be recreated. Continue? [y/N] ", dir)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newExtractCmd() *cobra.Command {
	var (
		outDir     string
		partitions []string
		listOnly   bool
	)
	cmd := &cobra.Command{
		Use:   "extract <payload.bin|ota.zip>",
		Short: "Extract partition images from an A/B OTA payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFlasher()
			if listOnly {
				summary, err := f.ListPayloadPartitions(args[0])
				if err != nil {
					return err
				}
				for _, p := range summary.Partitions {
					fmt.Printf("%-24s %12d bytes %6d ops\n", p.Name, p.SizeBytes, p.OperationsCount)
				}
				return nil
			}
			if err := ruaflash.PrepareWorkDir(outDir, confirmOverwrite); err != nil {
				return err
			}
			reporter := ruaflash.NewConsoleReporter(ruaflash.InterruptFlag())
			paths, err := f.UnpackPayload(args[0], outDir, partitions, reporter)
			reporter.Summary()
			if err != nil {
				return err
			}
			logrus.Infof("extracted %d partitions to %s", len(paths), outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ruaflash.ExtractedPayloadDir, "output directory")
	cmd.Flags().StringSliceVarP(&partitions, "partition", "X", nil, "extract only the named partitions")
	cmd.Flags().BoolVarP(&listOnly, "list", "P", false, "list partitions without extracting")
	return cmd
}

func newMagiskCmd() *cobra.Command {
	var (
		apkPath   string
		assetsDir string
		partition string
		flash     bool
	)
	cmd := &cobra.Command{
		Use:   "magisk <boot.img>",
		Short: "Patch a boot/init_boot image with Magisk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var assets *ruaflash.MagiskAssets
			var err error
			switch {
			case apkPath != "":
				assets, err = ruaflash.LoadMagiskAssetsFromAPK(apkPath)
			case assetsDir != "":
				assets, err = ruaflash.LoadMagiskAssetsFromDir(assetsDir)
			default:
				return fmt.Errorf("either --apk or --assets is required")
			}
			if err != nil {
				return err
			}
			f := newFlasher()
			out, err := f.MagiskPatch(args[0], assets, partition)
			if err != nil {
				return err
			}
			if flash && partition != "" {
				if err := f.FlashPartition(serial, partition, out); err != nil {
					return err
				}
				os.Remove(out)
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&apkPath, "apk", "", "Magisk APK to take assets from")
	cmd.Flags().StringVar(&assetsDir, "assets", "", "Magisk asset directory (Magisk/<branch>/<version>)")
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "target partition (default from image type)")
	cmd.Flags().BoolVar(&flash, "flash", false, "flash the patched image and delete it afterwards (only when --partition is set)")
	return cmd
}

func newKsuCmd() *cobra.Command {
	var (
		ksuinit   string
		ksuinitD  string
		ko        string
		partition string
		force     bool
		flash     bool
	)
	cmd := &cobra.Command{
		Use:   "ksu <boot.img>",
		Short: "Patch an image with KernelSU in LKM mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFlasher()
			out, err := f.KernelsuLKMPatch(args[0], ksuinit, ksuinitD, ko, partition, force)
			if err != nil {
				return err
			}
			if flash {
				if err := f.FlashPartition(serial, partition, out); err != nil {
					return err
				}
				os.Remove(out)
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&ksuinit, "ksuinit", "", "ksuinit binary")
	cmd.Flags().StringVar(&ksuinitD, "ksuinit-d", "", "optional ksuinit.d directory")
	cmd.Flags().StringVar(&ko, "ko", "", "kernelsu.ko module (name carries its KMI)")
	cmd.Flags().StringVarP(&partition, "partition", "p", "boot", "target partition")
	cmd.Flags().BoolVar(&force, "force", false, "install even over a Magisk-patched image")
	cmd.Flags().BoolVar(&flash, "flash", false, "flash the patched image and delete it afterwards")
	cmd.MarkFlagRequired("ksuinit")
	cmd.MarkFlagRequired("ko")
	return cmd
}

func newApatchCmd() *cobra.Command {
	var (
		skey      string
		partition string
		rawKernel bool
		flash     bool
	)
	cmd := &cobra.Command{
		Use:   "apatch <boot.img|kernel>",
		Short: "Patch a kernel with APatch via kptools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFlasher()
			out, err := f.ApatchPatch(args[0], skey, partition, rawKernel, flash)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&skey, "skey", "", "SuperKey (random UUIDv4 when omitted)")
	cmd.Flags().StringVarP(&partition, "partition", "p", "boot", "target partition")
	cmd.Flags().BoolVar(&rawKernel, "raw", false, "input is a raw kernel, not a boot image")
	cmd.Flags().BoolVar(&flash, "flash", false, "flash the patched image and delete it afterwards")
	return cmd
}

func newAk3Cmd() *cobra.Command {
	var (
		bootPath  string
		partition string
		rawKernel bool
		flash     bool
	)
	cmd := &cobra.Command{
		Use:   "ak3 <anykernel3.zip>",
		Short: "Replace the kernel with the Image from an AnyKernel3 zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFlasher()
			out, err := f.Anykernel3Root(args[0], bootPath, partition, rawKernel, flash)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&bootPath, "boot", "", "boot image (or raw kernel) to patch")
	cmd.Flags().StringVarP(&partition, "partition", "p", "boot", "target partition")
	cmd.Flags().BoolVar(&rawKernel, "raw", false, "target is a raw kernel partition")
	cmd.Flags().BoolVar(&flash, "flash", false, "flash the patched image and delete it afterwards")
	cmd.MarkFlagRequired("boot")
	return cmd
}

func newAvbCmd() *cobra.Command {
	var (
		keyPath       string
		partitionName string
		partitionSize uint64
	)
	cmd := &cobra.Command{
		Use:   "avb <image.img>...",
		Short: "Append a signed AVB hash footer to images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var g errgroup.Group
			for _, img := range args {
				img := img
				g.Go(func() error {
					size := partitionSize
					if size == 0 {
						st, err := os.Stat(img)
						if err != nil {
							return err
						}
						size = ruaflash.PartitionSizeFor(uint64(st.Size()))
					}
					out, err := ruaflash.AddHashFooter(img, partitionName, size, keyPath)
					if err != nil {
						return err
					}
					fmt.Println(out)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "RSA private key PEM (rsa4096 in the name selects SHA256_RSA4096)")
	cmd.Flags().StringVar(&partitionName, "name", "boot", "partition name recorded in the hash descriptor")
	cmd.Flags().Uint64Var(&partitionSize, "size", 0, "partition size in bytes (default: image size + 2 MiB, MiB-aligned)")
	cmd.MarkFlagRequired("key")
	return cmd
}

func newFlashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flash <partition> <image.img>",
		Short: "Flash an image via fastboot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFlasher()
			if args[0] == "vbmeta" {
				return f.FlashVbmeta(serial, args[1])
			}
			return f.FlashPartition(serial, args[0], args[1])
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected fastboot and adb devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			fb := ruaflash.NewFastbootClient()
			if devices, err := fb.ListDevices(); err == nil {
				for _, d := range devices {
					fmt.Printf("%-24s %-10s %s slot=%s\n", d.Serial, d.Mode, d.Product, d.CurrentSlot)
				}
			}
			adb := ruaflash.NewAdbClient()
			if devices, err := adb.ListDevices(); err == nil {
				for _, d := range devices {
					fmt.Printf("%-24s %-10s %s\n", d.Serial, d.Mode, d.Status)
				}
			}
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "ruaflash",
		Short:         "Android firmware flashing toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&serial, "serial", "s", "", "device serial")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newExtractCmd(),
		newMagiskCmd(),
		newKsuCmd(),
		newApatchCmd(),
		newAk3Cmd(),
		newAvbCmd(),
		newFlashCmd(),
		newDevicesCmd(),
	)

	ruaflash.InstallInterruptHandler()

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
