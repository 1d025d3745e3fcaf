// Copyright (C) 2026 The starfield/reduce authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package qsort

import (
	"math"
)

// Sort an array of float32 in ascending order.
// Array must not contain IEEE NaN
func QSortFloat32(a []float32) {
	if len(a)>1 {
		index:=qPartitionFloat32(a)
		QSortFloat32(a[:index+1])
		QSortFloat32(a[index+1:])
	}
}

// Partitions an array of float32 with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN
func qPartitionFloat32(a []float32) int {
	left, right:=0, len(a)-1
	mid  :=(left+right)>>1
	pivot:=a[mid]
	l:=left -1
	r:=right+1
	for {
		for {
			l++
			if a[l]>=pivot { break }
		}
		for {
			r--
			if a[r]<=pivot { break }
		}
		if l>=r { return r }
		a[l], a[r] = a[r], a[l]
	}
}

// Select median of an array of float32, interpolating the two middle
// elements for even lengths. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectMedianFloat32(a []float32) float32 {
	if len(a)==0 { return float32(math.NaN()) }
	upper:=QSelectFloat32(a, (len(a)>>1)+1)
	if len(a)&1!=0 { return upper }
	lower:=QSelectFloat32(a, len(a)>>1)
	return 0.5*(lower+upper)
}

// Select kth lowest element from an array of float32. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectFloat32(a []float32, k int) float32 {
	left, right:=0, len(a)-1
	for left<right {
		// partition around the middle pivot element
		mid  :=(left+right)>>1
		pivot:=a[mid]
		l, r :=left-1, right+1
		for {
			for {
				l++
				if a[l]>=pivot { break }
			}
			for {
				r--
				if a[r]<=pivot { break }
			}
			if l>=r { break } // index in r
			a[l], a[r] = a[r], a[l]
		}
		index:=r

		offset:=index-left+1
		if k<=offset {
			right=index
		} else {
			left=index+1
			k=k-offset
		}
	}
	return a[left]
}

// Select the median absolute deviation around the given center.
// Overwrites the array with absolute deviations and partially reorders it.
// Array must not contain IEEE NaN
func QSelectMADFloat32(a []float32, center float32) float32 {
	for i,v:=range a {
		a[i]=float32(math.Abs(float64(v-center)))
	}
	return QSelectMedianFloat32(a)
}
