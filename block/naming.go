package block

import (
	"strconv"
	"unicode"
)

// PartitionName returns the device path of partition n on disk. Devices
// whose kernel name ends in a digit (nvme0n1, mmcblk0, loop0) take a "p"
// separator before the partition number; sd/vd style names append the number
// directly:
//
//	/dev/nvme0n1 + 2 -> /dev/nvme0n1p2
//	/dev/sda     + 2 -> /dev/sda2
func PartitionName(disk string, n int) string {
	if disk == "" {
		return ""
	}
	runes := []rune(disk)
	if unicode.IsDigit(runes[len(runes)-1]) {
		return disk + "p" + strconv.Itoa(n)
	}
	return disk + strconv.Itoa(n)
}
